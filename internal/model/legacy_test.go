package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromLegacy(t *testing.T) {
	created := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	redeemed := created.Add(2 * time.Hour)

	v, err := FromLegacy(LegacyTicket{
		TicketNumber:   "250302-p01-100000-0007",
		Valor:          decimal.RequireFromString("100.5"),
		Moneda:         "rd$",
		Estado:         "Canjeado",
		MesaID:         "mesa 3",
		UsuarioEmision: "admin@casino.com",
		UsuarioCanje:   "caja1",
		HashSeguridad:  "abc",
		CreatedAt:      created,
		RedeemedAt:     &redeemed,
		Sincronizado:   1,
	})
	require.NoError(t, err)

	assert.Equal(t, "250302-P01-100000-0007", v.Code)
	assert.Equal(t, CurrencyDOP, v.Currency)
	assert.Equal(t, "100.50", v.Amount.StringFixed(2))
	assert.Equal(t, StatusRedeemed, v.Status)
	assert.Equal(t, "M03", v.IssuingStation)
	assert.Equal(t, "caja1", v.RedeemingOperator)
	require.NotNil(t, v.RedeemedAt)
	assert.True(t, v.RedeemedAt.Equal(redeemed))
	assert.Equal(t, SyncSynced, v.SyncState)
}

func TestFromLegacy_Rejects(t *testing.T) {
	base := LegacyTicket{
		TicketNumber:  "C1",
		Valor:         decimal.NewFromInt(5),
		Moneda:        "USD",
		Estado:        "emitido",
		HashSeguridad: "abc",
		CreatedAt:     time.Now(),
	}

	v, err := FromLegacy(base)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, v.Status)
	assert.Equal(t, SyncPending, v.SyncState)

	badCurrency := base
	badCurrency.Moneda = "EUR"
	_, err = FromLegacy(badCurrency)
	assert.Error(t, err)

	badStatus := base
	badStatus.Estado = "perdido"
	_, err = FromLegacy(badStatus)
	assert.Error(t, err)

	noHash := base
	noHash.HashSeguridad = ""
	_, err = FromLegacy(noHash)
	assert.ErrorIs(t, err, ErrValidation)
}
