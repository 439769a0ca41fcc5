// Package stage defines the contract between the workflow manager and the
// phase handlers (planner, hashing, uploader, importer), plus the bounded
// worker pool the handlers share.
package stage
