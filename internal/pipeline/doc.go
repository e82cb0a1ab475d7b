// Package pipeline provides the concrete stage handlers for video jobs.
//
// Text stages (explain, refine, script) call a language model chosen by the
// job's model: gemini-* models use Gemini, everything else the
// OpenAI-compatible client. validate rejects scripts without a Scene
// subclass and construct method as fatal, then optionally asks the model to
// review the script. render runs the external renderer and upload publishes
// the video under the output directory.
//
// Handlers are keyed by stage name and handed to stage.FromConfig, so any
// variant may order them as it likes.
package pipeline
