package broker

import "errors"

var (
	ErrAlreadyServing = errors.New("broker: already serving")
	ErrNotServing     = errors.New("broker: not serving")
)
