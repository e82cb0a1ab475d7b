// Package worker executes pipeline stages.
//
// A Worker runs worker.concurrency loops that dequeue stage messages, confirm
// the job still waits on that stage, and invoke the stage handler with the
// job's input and accumulated outputs under a deadline equal to the queue
// visibility timeout. Outcomes are written back through single-job
// compare-and-swap calls on the job store:
//
//   - success advances the job and enqueues the next stage
//   - retryable errors are re-enqueued with backoff until max_attempts
//   - exhausted or fatal errors mark the job FAILED
//
// Losing a compare-and-swap means another delivery already settled the
// stage; the message is acknowledged and dropped. Handlers that outlive the
// deadline are abandoned, their message is redelivered, and the attempt
// counts toward the stage budget.
//
// A reconciler periodically re-triggers active jobs that have gone quiet so a
// trigger lost between a store write and its enqueue never strands a job.
package worker
