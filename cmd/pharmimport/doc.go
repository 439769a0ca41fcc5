// Command pharmimport imports pharmacy search-result records and their
// screenshot images into a relational store and a content-addressed image
// store. Runs are resumable: progress is persisted per dataset tag and a
// rerun picks up where the previous one stopped.
//
// Subcommands:
//
//	run      plan, hash, upload, and import a source tree
//	status   print the persisted progress for a tag
//	verify   compare stored rows against their source records
//	config   write or print configuration
package main
