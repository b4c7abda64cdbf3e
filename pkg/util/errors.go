package util

import "errors"

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidTopology   = errors.New("invalid topology")
	ErrNodeNotFound      = errors.New("node not found")
	ErrInterfaceNotFound = errors.New("interface not found")
	ErrNotBuilt          = errors.New("network not built")
	ErrWrongState        = errors.New("session in wrong state")
)
