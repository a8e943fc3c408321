package store

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrOperationNotFound = errors.New("pending operation not found")
	ErrDuplicateRecord   = errors.New("duplicate record")
)
