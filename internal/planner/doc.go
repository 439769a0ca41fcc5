// Package planner implements the planning phase: it walks the source tree,
// pairs each record file with the image its metadata references, and
// reconciles the resulting work items into the persisted work state.
//
// Items whose image is missing or whose record cannot be read are marked
// failed at planning without stopping the walk. Records that share a logical
// identity are reported as warnings; the importer settles them later.
package planner
