package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a write violated a uniqueness rule.
var ErrConflict = errors.New("repository: conflict")
