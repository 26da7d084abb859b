package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed or forged payloads and bad input
	ErrValidation = errors.New("invalid voucher")

	// ErrNotFound is returned when a code is unknown in both stores
	ErrNotFound = errors.New("voucher not found")

	ErrAlreadyRedeemed  = errors.New("voucher already redeemed")
	ErrAlreadyCancelled = errors.New("voucher already cancelled")
	ErrExpired          = errors.New("voucher expired")

	// ErrDuplicateCode is returned by the local store when a code collides
	ErrDuplicateCode = errors.New("duplicate voucher code")

	// ErrSyncTransient marks a retryable remote failure. It never leaves the sync engine.
	ErrSyncTransient = errors.New("transient sync failure")

	// ErrSyncConflict marks two different terminal observations of one code
	ErrSyncConflict = errors.New("sync conflict")
)

// StatusError returns the error reported when a transition is attempted
// on a voucher that is already in status s.
func StatusError(s Status) error {
	switch s {
	case StatusRedeemed:
		return ErrAlreadyRedeemed
	case StatusCancelled:
		return ErrAlreadyCancelled
	case StatusExpired:
		return ErrExpired
	}
	return fmt.Errorf("voucher is %s", s)
}
