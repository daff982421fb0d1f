// Package worker runs clip jobs.
//
// A Pool claims queued jobs from the store and drives each one through the
// pipeline stages:
//   - resolve the source into the scratch cache
//   - probe its duration and pick the clip window
//   - transcode the window on the bounded executor
//   - publish the output when a publisher is configured
//
// Progress is written to the store and emitted through the queue. Timeouts
// and transport errors are re-queued once with backoff; every other failure
// is final.
package worker
