package storage

import "errors"

// ErrNotFound is returned when a requested row does not exist or is not
// owned by the caller. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateHash is returned when an insert violates the per-user
// exact-hash unique index.
var ErrDuplicateHash = errors.New("storage: duplicate exact hash")
