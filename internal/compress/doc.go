// Package compress converts finished audio segments to smaller storage
// formats using an external encoder. Jobs are deferred, run independently of
// ingestion on a bounded worker pool, and are never retried: a job ends as
// succeeded, failed, or skipped.
package compress
