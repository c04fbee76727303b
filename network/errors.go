package network

import "errors"

var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrRegistryClosed     = errors.New("registry closed")
)
