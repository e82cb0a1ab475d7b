// Package upload stores rendered videos in the configured output directory,
// one subdirectory per job. Copies are verified and renamed into place.
package upload
