// Package trigger sequences the start-of-frame trigger of one or more
// display paths sharing a hw.SyncResource.
//
// Continuous mode free-runs SOF, optionally with a delayed companion trigger
// offset by half the source's vertical blank. Single mode follows the
// external source. Enable and Disable are reference counted per sequencer.
package trigger
