package keystore

import "errors"

var (
	// ErrNotFound is returned when a key identifier has no record at all.
	ErrNotFound = errors.New("keystore: key not found")
	// ErrAliasTaken is returned by createKey when the requested alias is
	// already in use by another key.
	ErrAliasTaken = errors.New("keystore: alias already in use")
	// ErrInvalidParams is returned by createKey when a field is out of range.
	ErrInvalidParams = errors.New("keystore: invalid parameters")
	// ErrInsufficientCredits is returned by charge when the key does not
	// have n credits available; callers must pre-reserve.
	ErrInsufficientCredits = errors.New("keystore: insufficient credits")
)
