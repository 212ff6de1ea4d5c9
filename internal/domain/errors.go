package domain

import "errors"

// ErrNotFound is returned when a session or agent does not exist.
var ErrNotFound = errors.New("not found")
