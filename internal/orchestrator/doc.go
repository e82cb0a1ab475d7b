// Package orchestrator accepts job submissions.
//
// Submit validates the prompt, model, voice and variant before anything is
// written, applies the optional active-job limit, creates the job in its
// variant's first stage and enqueues the first trigger.
package orchestrator
