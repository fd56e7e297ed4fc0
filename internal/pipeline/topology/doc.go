/*
Package topology builds and tears down the stage graph of one display path.

# Overview

A Config (path index, dual/quad layout, input and output geometry) is first
turned into a Plan by Build, which never touches hardware. The plan follows
three wiring rules:

	chain   slicer -> crop -> rsz -> wdma           paths 0/1 below 3840 columns
	direct  slicer -> p2s -> wdma                   paths 2/3 below 3840 columns
	sliced  slicer -> N x (crop -> rsz -> wdma)     paths 0/1 at 3840 and above

Quad layouts split the crop window across four fixed input quadrants with
PartitionQuad. The quadrant output widths must add up to the requested width.

Topology.Connect applies a plan to a hw.ConnectGraph and hw.SyncResource and
records every edge and member it added, so Disconnect is its exact inverse
and may be called any number of times.
*/
package topology
