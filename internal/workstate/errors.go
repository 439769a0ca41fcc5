package workstate

import (
	"errors"
	"io/fs"

	"pharmimport/internal/services"
)

// ErrorClassifier allows errors to declare their persisted kind directly.
type ErrorClassifier interface {
	ErrorKind() ErrorKind
}

// ErrorKindOf maps an item error to the kind persisted on the work item.
//
// Errors implementing ErrorClassifier win; otherwise the services markers
// decide. Missing files are planning errors and anything unrecognised is
// treated as an I/O failure.
func ErrorKindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if kind := classifier.ErrorKind(); kind != "" {
			return kind
		}
	}
	switch {
	case errors.Is(err, services.ErrFatal), errors.Is(err, services.ErrConfiguration):
		return KindFatal
	case errors.Is(err, services.ErrValidation):
		return KindValidation
	case errors.Is(err, services.ErrConflict):
		return KindConflict
	case errors.Is(err, services.ErrTransient), errors.Is(err, services.ErrTimeout):
		return KindTransient
	case errors.Is(err, services.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return KindPlanning
	default:
		return KindIO
	}
}
