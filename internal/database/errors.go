package database

import "errors"

var (
	ErrBuildQuery   = errors.New("build query")
	ErrUnknownField = errors.New("unknown booking field")
)
