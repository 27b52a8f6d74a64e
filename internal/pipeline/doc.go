// Package pipeline runs claimed batch jobs.
//
// For each job the Orchestrator transcribes every unit in arrival order with a
// bounded provider call, then persists the transcripts. A unit is deleted from
// the queue only after storage acknowledged its transcript; anything else goes
// back to pending so that no audio is lost between restarts.
package pipeline
