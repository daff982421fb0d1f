// Package queue provides the submission side of the clip pipeline.
//
// A Queue validates clip requests, records queued jobs in a core.Store,
// answers status and cancel requests, and fans job lifecycle events out to
// hooks, listeners, and subscriber channels. Workers in pkg/worker consume
// the jobs it records.
package queue
