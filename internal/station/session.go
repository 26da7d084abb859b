package station

import (
	"context"
	"errors"

	"github.com/kkkkikiki/voucher/internal/model"
)

// Session identifies who is operating the station for one call
type Session struct {
	OperatorID string
	Role       string
	Station    string
}

// Printer renders the public part of a voucher. It never receives the
// signing secret.
type Printer interface {
	Render(ctx context.Context, fields model.PublicFields) error
}

// NopPrinter discards every ticket
type NopPrinter struct{}

// Render implements Printer
func (NopPrinter) Render(context.Context, model.PublicFields) error { return nil }

// Outcome is the user-visible result of a redemption
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeAlreadyRedeemed  Outcome = "already-redeemed"
	OutcomeAlreadyCancelled Outcome = "already-cancelled"
	OutcomeExpired          Outcome = "expired"
	OutcomeNotFound         Outcome = "not-found"
	OutcomeInvalidCode      Outcome = "invalid-code"
	// OutcomeUnavailable is a local storage failure, not a voucher state
	OutcomeUnavailable Outcome = "unavailable"
)

// OutcomeOf maps a Redeem error to its outcome
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, model.ErrAlreadyRedeemed):
		return OutcomeAlreadyRedeemed
	case errors.Is(err, model.ErrAlreadyCancelled):
		return OutcomeAlreadyCancelled
	case errors.Is(err, model.ErrExpired):
		return OutcomeExpired
	case errors.Is(err, model.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, model.ErrValidation):
		return OutcomeInvalidCode
	}
	return OutcomeUnavailable
}
