package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a voucher
type Status string

const (
	StatusActive    Status = "active"
	StatusRedeemed  Status = "redeemed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

var terminalStatuses = map[Status]bool{
	StatusRedeemed:  true,
	StatusCancelled: true,
	StatusExpired:   true,
}

// IsTerminal returns true if no further transition is permitted from s
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsValid returns true if s is one of the canonical statuses
func (s Status) IsValid() bool {
	return s == StatusActive || terminalStatuses[s]
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether the state machine permits from -> to.
// Only Active may move, and only to a terminal status.
func CanTransition(from, to Status) bool {
	return from == StatusActive && to.IsTerminal()
}

// Currency is one of the two units a voucher may be denominated in
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyDOP Currency = "DOP"
)

// IsValid returns true for supported currencies
func (c Currency) IsValid() bool {
	return c == CurrencyUSD || c == CurrencyDOP
}

func (c Currency) String() string {
	return string(c)
}

// SyncState tracks whether the latest local mutation reached the remote ledger
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
)

// Voucher is a printable monetary instrument redeemable exactly once
type Voucher struct {
	Code              string          `json:"code"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          Currency        `json:"currency"`
	Status            Status          `json:"status"`
	IssuedAt          time.Time       `json:"issued_at"`
	IssuingStation    string          `json:"issuing_station,omitempty"`
	IssuingOperator   string          `json:"issuing_operator,omitempty"`
	RedeemedAt        *time.Time      `json:"redeemed_at,omitempty"`
	RedeemingOperator string          `json:"redeeming_operator,omitempty"`
	RedeemingStation  string          `json:"redeeming_station,omitempty"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	SecurityHash      string          `json:"-"`
	SyncState         SyncState       `json:"sync_state"`
	Version           int64           `json:"version"`
}

// NewVoucher builds a freshly issued voucher. issuedAt is truncated to
// millisecond precision in UTC so that it survives the payload round trip.
func NewVoucher(code string, amount decimal.Decimal, currency Currency, issuedAt time.Time, station, operator, hash string) (*Voucher, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrValidation)
	}
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if !currency.IsValid() {
		return nil, fmt.Errorf("%w: unsupported currency %q", ErrValidation, currency)
	}
	if hash == "" {
		return nil, fmt.Errorf("%w: missing security hash", ErrValidation)
	}

	return &Voucher{
		Code:            code,
		Amount:          amount,
		Currency:        currency,
		Status:          StatusActive,
		IssuedAt:        CanonicalTime(issuedAt),
		IssuingStation:  station,
		IssuingOperator: strings.TrimSpace(operator),
		SecurityHash:    hash,
		SyncState:       SyncPending,
		Version:         1,
	}, nil
}

// ValidateAmount accepts positive amounts with at most two decimals.
// Anything finer would change value when rendered as a fixed two-decimal
// payload.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: amount %s has more than two decimals", ErrValidation, amount.String())
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	return nil
}

// ExpiresAt returns the instant after which an active voucher is swept to Expired
func (v *Voucher) ExpiresAt(ttl time.Duration) time.Time {
	return v.IssuedAt.Add(ttl)
}

// IsExpired reports whether v is still active but past its time to live
func (v *Voucher) IsExpired(now time.Time, ttl time.Duration) bool {
	return v.Status == StatusActive && ttl > 0 && now.After(v.ExpiresAt(ttl))
}

// SameIdentity reports whether two records carry the same immutable fields
func (v *Voucher) SameIdentity(other *Voucher) bool {
	return v.Code == other.Code &&
		v.Amount.Equal(other.Amount) &&
		v.Currency == other.Currency &&
		v.IssuedAt.Equal(other.IssuedAt) &&
		v.SecurityHash == other.SecurityHash
}

// TransitionMeta carries who and when for a status change
type TransitionMeta struct {
	At       time.Time
	Operator string
	Station  string
}

// Apply copies the terminal-transition fields onto v
func (m TransitionMeta) Apply(v *Voucher, to Status) {
	at := CanonicalTime(m.At)
	v.Status = to
	v.ClosedAt = &at
	if to == StatusRedeemed {
		v.RedeemedAt = &at
		v.RedeemingOperator = m.Operator
		v.RedeemingStation = m.Station
	}
}

// PublicFields is what a printer is allowed to see
type PublicFields struct {
	Code      string
	Amount    string
	Currency  Currency
	IssuedAt  time.Time
	ExpiresAt time.Time
	Station   string
	Operator  string
	Payload   string
}

// CanonicalTime truncates t to milliseconds in UTC
func CanonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
