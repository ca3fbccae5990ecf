package pool

import "errors"

var (
	// Caller-facing action errors.
	ErrJobNotFound        = errors.New("pool: job not found")
	ErrJobAlreadyAssigned = errors.New("pool: job already assigned")
	ErrJobNotAssigned     = errors.New("pool: job not assigned")
	ErrInputsNotAvailable = errors.New("pool: inputs not available")
	ErrInvalidKind        = errors.New("pool: invalid kind")

	// Protocol violations (abort the offending merge only).
	ErrMissingJobTag    = errors.New("pool: event missing e tag")
	ErrJobIDMismatch    = errors.New("pool: job id mismatch")
	ErrCustomerMismatch = errors.New("pool: customer public key mismatch")

	// Bus and subscription errors.
	ErrBusClosed     = errors.New("pool: bus closed")
	ErrGroupNotFound = errors.New("pool: subscription group not found")

	// Authorization.
	ErrUnauthorized = errors.New("pool: unauthorized")
)
