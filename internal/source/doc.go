// Package source reads the import source tree: it walks the directory for
// record files, decodes each record (JSON or YAML) and resolves the image
// path the record itself names.
//
// The record file is authoritative for its image. Directory layout is never
// used to guess an image, so records may reference screenshots stored
// anywhere under (or outside) the source root.
package source
