// Package hashing implements the hashing phase: it computes the SHA-256
// content hash of every image referenced by a pending work item.
//
// Each distinct file is hashed at most once per run even when several
// records point at it, and hashes persisted in the work state's cache are
// reused while the file's size and modification time are unchanged.
package hashing
