// Package textutil provides text normalisation used when cleaning imported
// fields and when deriving filesystem-safe names from run tags.
package textutil
