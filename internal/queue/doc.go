// Package queue implements the durable on-disk holding area for audio units
// awaiting transcription, with in-memory claim leases over the queued files.
package queue
