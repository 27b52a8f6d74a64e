// Package usage accounts transcription usage per calendar month.
//
// The Accountant keeps files processed, audio seconds and cost for the current
// UTC month and retains completed months in its history. Counters can be
// mirrored to Redis so a restart resumes the month instead of starting at zero.
package usage
