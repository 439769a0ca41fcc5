// Package fileutil holds the small file primitives the importer relies on:
// streaming SHA-256 hashing, crash-safe atomic writes, and hash-verified copies.
package fileutil
