package application

import "errors"

// ErrInvalidInput signals a malformed request that never reached an aggregate.
var ErrInvalidInput = errors.New("invalid input")
