package session

import "errors"

var (
	ErrNotFound      = errors.New("session: not found")
	ErrAlreadyExists = errors.New("session: already exists")
	ErrStoreClosed   = errors.New("session: store is closed")
)
