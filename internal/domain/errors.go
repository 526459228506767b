package domain

import "errors"

var (
	// ErrPaymentNotFound is returned by payment stores when no row exists
	// for the requested payment ID.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrReferenceExhausted is returned when reference regeneration ran out
	// of attempts without clearing the unique index.
	ErrReferenceExhausted = errors.New("could not generate unique payment reference")
)
