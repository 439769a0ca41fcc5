// Package records turns decoded source records into the normalised row
// written to the relational store.
//
// Record is the row. FromSource cleans text fields, rewrites sentinel and
// unparseable dates to absent values, derives the natural key and validates
// required fields. Latest implements the conflict rule shared by the
// importer and the store: the later search timestamp wins, ties go to the
// lexically greater source file.
package records
