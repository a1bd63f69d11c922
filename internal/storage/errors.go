package storage

import "errors"

// ErrNotFound is returned when a requested agent, job or result does not
// exist.
var ErrNotFound = errors.New("storage: not found")
