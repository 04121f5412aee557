package session

import "errors"

// ErrNotFound is returned when a session is absent or has expired. Terminal
// for the caller.
var ErrNotFound = errors.New("session not found")

// ErrLockContention is returned when another writer holds the session lease.
// Transient; the caller may retry with the same input.
var ErrLockContention = errors.New("session lock contention")

// ErrExists is returned by Create when the session id is already taken.
var ErrExists = errors.New("session already exists")
