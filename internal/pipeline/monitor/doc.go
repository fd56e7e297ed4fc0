/*
Package monitor runs the per-path event loops of a pipeline.

# Overview

Every Monitor blocks on a Source, runs its handler when the source fires
and goes back to waiting:

	IDLE --Start--> ARMED --event--> FIRED --handler returns--> ARMED
	                  |                                           |
	                  +----------------Stop---------------------->STOPPED

A wait that times out counts as a miss. After EscalateAfter consecutive
misses the OnEscalate callback runs once; the streak ends with the next
fire.

Stop closes the loop, clears and wakes the source so a blocked wait returns
and waits at most StopTimeout for the goroutine to exit.

# Capture descriptors

Underflow and overrun are reported through a CaptureDescriptor: a command
buffer that waits for the hardware event and copies diagnostic registers
into slots. When it completes it re-arms itself and posts the snapshot.
Only the latest snapshot is kept; the CPU side reads it with Current after
Wait returns.

# Handlers

  - SOFHandler advances the buffer ring and submits an address update per
    frame while running. A frame whose previous update has not landed is
    skipped and counted as busy.
  - UnderflowHandler counts and logs underflows and raises rate-limited
    alerts.
  - OverrunHandler counts skipped frames and, when enabled, steps the read
    pointer back. Recoveries that do not hold trip a breaker, which raises
    a single escalation alert and suspends recovery for its cooldown.
*/
package monitor
