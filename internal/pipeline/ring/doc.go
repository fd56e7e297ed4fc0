// Package ring manages the pool of output frame buffers of one display path.
//
// All operations take one short mutex shared by the SOF-driven producer and
// callers asking for the displayable buffer. Reference counts are only ever
// set to 1 (held) or 0 (free), never decremented.
package ring
