/*
Package hw defines the contracts of the fixed-function display hardware that
the pipeline orchestration layer drives.

# Overview

Nothing in this package touches registers. It names the collaborators the
orchestration layer depends on and the value types they exchange:

  - Stage / WriteEngine: one processing block (slicer, crop, resizer,
    stream converter, write engine, line compare)
  - SyncResource: the shared trigger aggregator gating a group of stages
  - ConnectGraph: the stage-to-stage routing fabric
  - CommandQueue / CommandBuffer: ordered, asynchronously flushed register
    programs with a single completion callback
  - EventWaiter: the blocking wait primitive for hardware events
  - ExternalSource, PatternGenerator, Sink: the video source and the
    downstream consumer

A Device bundles every collaborator for one chip. The sim subpackage provides
an in-memory Device used by the daemon's simulation mode and by tests.
*/
package hw
