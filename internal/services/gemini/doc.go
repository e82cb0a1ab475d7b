// Package gemini wraps the Google Gen AI SDK for the text stages of jobs that
// request a gemini-* model.
//
// Errors are tagged with services kinds: throttling and server errors are
// transient, rejected credentials are configuration errors and other API
// errors are fatal.
package gemini
