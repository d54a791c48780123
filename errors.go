package replica

import "errors"

// errors.go provides all custom error types for the replica package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for replica mutation
var (
	ErrUnauthorized    = errors.New("mutation requires the write token")
	ErrDestroyed       = errors.New("replica is destroyed")
	ErrInvalidPath     = errors.New("path does not address an array")
	ErrIndexOutOfRange = errors.New("array index out of range")
)

// used for parent links
var (
	ErrCycle = errors.New("parent chain would form a cycle")
)

// used by the websocket transport
var (
	errBadAuthEcho = errors.New("auth response error: bad bytes")
)
