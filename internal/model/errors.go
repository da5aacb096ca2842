package model

import (
	"errors"
)

var (
	ErrConflict       = errors.New("test already running")
	ErrInvalidRequest = errors.New("invalid test request")
	ErrCancelled      = errors.New("run cancelled")
	ErrNotFound       = errors.New("not found")
)
