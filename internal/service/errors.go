package service

import (
	"errors"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrValidation = ErrInvalidInput
)
