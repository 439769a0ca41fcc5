// Package uploader implements the uploading phase: it stores every distinct
// image content hash in the blob store exactly once and registers the asset
// in the relational store.
//
// Content already present in the blob store is not transferred again; the
// items referencing it only add to the asset's reference count. Transient
// failures are retried under the shared retry policy with a per-attempt
// timeout, after which the affected items are marked failed and the phase
// moves on.
package uploader
