package repository

import "errors"

// Sentinel errors shared by every storage backend. Callers match with
// errors.Is so the postgres driver details never leak past this package.
var (
	ErrNotFound      = errors.New("repository: not found")
	ErrAlreadyExists = errors.New("repository: already exists")
)
