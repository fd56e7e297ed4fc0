/*
Package reconfig applies geometry and address changes between frames.

# Batches

A Spec is recorded into one hw.CommandBuffer as:

	clear + wait  frame boundary event
	crop          offset, size
	resizer       in, out
	write engine  size, then header/address/pitch per active chain
	raw writes    in the order given

then flushed asynchronously. Invalid geometry fails Submit before a buffer is
created. Errors after the flush only show up in the Completion.

# Throttling

At most one batch per Purpose is in flight. A second Submit for the same
purpose returns ErrBusy instead of queuing, so address updates apply in
submission order and none is ever superseded.

# Completion

Flush callbacks never touch channel state. They post to a private channel
drained by one dispatcher goroutine, which destroys the buffer, frees the
purpose slot, runs the Spec's ring operation and then the completion hooks.
*/
package reconfig
