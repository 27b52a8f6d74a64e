// Package batch schedules flushes of the audio queue.
//
// A Scheduler claims every pending unit on a fixed interval, or earlier when
// the queue store reports that pending bytes crossed the size threshold, and
// hands the claimed set to a Runner as a single Job. Size signals are
// coalesced into one pending trigger that is re-checked when the running job
// finishes.
package batch
