package db

import "errors"

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrIteratorCreate = errors.New("failed to create iterator")
)
