// Package jobs runs ingestion jobs over registered sources.
//
// A Service creates, inspects and cancels jobs. An Engine polls the job
// table, claims queued jobs with a compare-and-set and executes them on a
// bounded worker pool. Each job streams its source through the matching
// parser and persists every decoded message in its own transaction, so a
// failure never leaves half a message behind.
//
// Job states follow a fixed transition table:
//
//	queued -> running -> succeeded | failed | partially_succeeded | retry_scheduled
//	retry_scheduled -> queued
//	queued | retry_scheduled -> failed   (cancelled before start)
//	running -> queued                    (stale or interrupted worker)
package jobs
