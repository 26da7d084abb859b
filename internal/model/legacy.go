package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LegacyTicket is the row shape exported by the first generation of
// station software. It is only used at the import boundary.
type LegacyTicket struct {
	TicketNumber   string          `json:"ticket_number"`
	Valor          decimal.Decimal `json:"valor"`
	Moneda         string          `json:"moneda"`
	Estado         string          `json:"estado"`
	MesaID         string          `json:"mesa_id"`
	UsuarioEmision string          `json:"usuario_emision"`
	UsuarioCanje   string          `json:"usuario_canje"`
	HashSeguridad  string          `json:"hash_seguridad"`
	CreatedAt      time.Time       `json:"created_at"`
	RedeemedAt     *time.Time      `json:"redeemed_at"`
	Sincronizado   int             `json:"sincronizado"`
}

// FromLegacy converts a legacy row, normalizing its status, currency and
// station spellings. Rows already marked synchronized keep that state.
func FromLegacy(t LegacyTicket) (*Voucher, error) {
	currency, err := ParseCurrency(t.Moneda)
	if err != nil {
		return nil, err
	}
	status, err := ParseStatus(t.Estado)
	if err != nil {
		return nil, err
	}

	station := ""
	if t.MesaID != "" {
		if station, err = NormalizeStation(t.MesaID); err != nil {
			return nil, err
		}
	}

	v, err := NewVoucher(t.TicketNumber, t.Valor, currency, t.CreatedAt, station, t.UsuarioEmision, t.HashSeguridad)
	if err != nil {
		return nil, fmt.Errorf("legacy ticket %q: %w", t.TicketNumber, err)
	}

	if status.IsTerminal() {
		at := v.IssuedAt
		if t.RedeemedAt != nil {
			at = *t.RedeemedAt
		}
		TransitionMeta{At: at, Operator: t.UsuarioCanje}.Apply(v, status)
	}
	if t.Sincronizado == 1 {
		v.SyncState = SyncSynced
	}
	return v, nil
}
