package config

import "errors"

var (
	ErrUnsupportedFormat = errors.New("unsupported config file format")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidEnv        = errors.New("invalid environment variable")
)
