package store

import "errors"

// Sentinel errors for the storage layer.
var (
	ErrNotFound = errors.New("not found")
)
