package models

import (
	"errors"
	"strings"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrTransport        = errors.New("transport failure")
	ErrQueue            = errors.New("queue failure")
	ErrNotFound         = errors.New("not found")
)

type ValidationError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Msg
}

type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err carries one or more validation failures.
func IsValidation(err error) bool {
	var one ValidationError
	var many ValidationErrors
	return errors.As(err, &one) || errors.As(err, &many)
}
