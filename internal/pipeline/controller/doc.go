/*
Package controller runs the lifecycle of display paths.

# Overview

A Controller owns everything one display path needs while it is live: the
trigger sequencer, the connected topology, the powered stages, the frame
buffer ring, the reconfiguration channel and the three monitor loops. It is
driven by a small command surface:

	Init -> Trigger -> Display <-> Pause/Resume
	Reset  (back to Init, monitors keep running)
	Deinit (from anywhere, releases everything)

Commands are serialized per controller. A command issued in a state that
does not accept it returns a *TransitionError.

Reconfigure changes the input size or crop window of a live path in place.
The new geometry is written on a frame boundary and takes over, with a
SequenceChanged event, once that batch completes.

# Failure

Configuration and topology errors are returned before any hardware is
touched. Once Init starts acquiring resources, a failure leaves them in place
and marks the controller incomplete; every command except Deinit then returns
ErrInitIncomplete. Deinit releases whatever was acquired and may be called
again safely.

Failures after a batch has been flushed, and monitor alerts, reach the
application only as ErrorDetected events.

# Manager

Manager keeps one controller per path and a shared SequencerPool. Paths
configured with the same SyncGroup share one trigger resource, armed on the
first Trigger and disarmed when the last sharer stops. Sharers must agree on
trigger mode and input source.

	mgr := controller.NewManager(dev, logger,
		controller.WithTracer(tracer),
		controller.WithControllerOptions(controller.WithPublisher(bus)))

	err := mgr.Init(ctx, controller.Config{Path: 0, InWidth: 1920, InHeight: 1080})
	err = mgr.Execute(ctx, 0, controller.CmdTrigger)
*/
package controller
