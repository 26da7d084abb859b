package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"active", StatusActive},
		{"ACTIVO", StatusActive},
		{"emitido", StatusActive},
		{"emitted", StatusActive},
		{"usado", StatusRedeemed},
		{" Redeemed ", StatusRedeemed},
		{"canjeado", StatusRedeemed},
		{"cancelado", StatusCancelled},
		{"canceled", StatusCancelled},
		{"Anulado", StatusCancelled},
		{"expirado", StatusExpired},
		{"vencido", StatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatus_AccentInsensitive(t *testing.T) {
	got, err := ParseStatus("Cancelado")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got)

	got, err = ParseStatus("EXPIRÁDO")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got)
}

func TestParseStatus_Unknown(t *testing.T) {
	_, err := ParseStatus("printed")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency("usd")
	require.NoError(t, err)
	assert.Equal(t, CurrencyUSD, c)

	c, err = ParseCurrency("RD$")
	require.NoError(t, err)
	assert.Equal(t, CurrencyDOP, c)

	_, err = ParseCurrency("EUR")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeStation(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "P01", want: "P01"},
		{in: "1", want: "P01"},
		{in: "07", want: "P07"},
		{in: "p3", want: "P03"},
		{in: "mesa 1", want: "M01"},
		{in: "caja-2", want: "C02"},
		{in: "Cajá 12", want: "C12"},
		{in: "cashier", wantErr: true},
		{in: "", wantErr: true},
		{in: "P100", wantErr: true},
		{in: "1A", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeStation(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "251017-P01-143005-0042", NormalizeCode("  251017-p01-143005-0042\n"))
}
