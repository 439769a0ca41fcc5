// Package retry implements the one retry-with-backoff policy used by every
// network-bound write in the importer (asset uploads, batch and single-row
// upserts).
//
// A Policy wraps an exponential schedule from cenkalti/backoff with an attempt
// ceiling, an optional per-attempt timeout, and an error classifier. Errors
// that are not transient end the loop immediately so bad data is never
// retried.
package retry
