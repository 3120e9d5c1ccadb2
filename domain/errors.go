package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrNothingToWatch  = errors.New("nothing to watch")
	ErrUnknownBackend  = errors.New("unknown cache backend")
	ErrInvalidKeySpace = errors.New("invalid cache key prefixes")
	ErrNoKubeConfig    = errors.New("no Kubernetes configuration available")
)
