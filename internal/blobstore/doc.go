// Package blobstore stores image bytes by content hash.
//
// The local backend lays files out as <dir>/<h[0:2]>/<h[2:4]>/<h> and
// writes them atomically after verifying the copied bytes hash to the
// expected value. The S3 backend stores objects at
// <prefix>/<h[0:2]>/<h> with the hash recorded in object metadata. Both
// support an existence check so callers skip transfers for content already
// stored.
package blobstore
