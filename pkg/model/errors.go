package model

import "errors"

// Error kinds shared by the store backends and the engines. Callers wrap them
// with context and match with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrDelivery          = errors.New("delivery failed")
	ErrPersistence       = errors.New("persistence failed")
	ErrIllegalTransition = errors.New("illegal call transition")
)
