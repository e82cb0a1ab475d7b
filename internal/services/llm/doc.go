// Package llm is the OpenAI-compatible chat client behind the text stages
// (explain, refine, script and the validate review).
//
// A Request may override the configured model, which is how a job's chosen
// model reaches the provider. The base URL defaults to OpenRouter.
//
// Throttling, 5xx responses, empty replies and network timeouts are retried
// inside the call with the backoff package's exponential delays, honouring
// Retry-After. Whatever error survives carries a services kind so the worker
// can make the stage-level retry decision.
package llm
