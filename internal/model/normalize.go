package model

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// statusSpellings maps every spelling found in historical data to the
// canonical status. Keys are case-folded and accent-stripped.
var statusSpellings = map[string]Status{
	"active":    StatusActive,
	"activo":    StatusActive,
	"activa":    StatusActive,
	"emitido":   StatusActive,
	"emitted":   StatusActive,
	"issued":    StatusActive,
	"redeemed":  StatusRedeemed,
	"used":      StatusRedeemed,
	"usado":     StatusRedeemed,
	"canjeado":  StatusRedeemed,
	"cobrado":   StatusRedeemed,
	"pagado":    StatusRedeemed,
	"paid":      StatusRedeemed,
	"cancelled": StatusCancelled,
	"canceled":  StatusCancelled,
	"cancelado": StatusCancelled,
	"anulado":   StatusCancelled,
	"void":      StatusCancelled,
	"expired":   StatusExpired,
	"expirado":  StatusExpired,
	"vencido":   StatusExpired,
}

// fold lower-cases s and strips diacritics so "Cancelación" and
// "cancelacion" compare equal.
func fold(s string) string {
	stripAccents := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(stripAccents, strings.TrimSpace(s))
	if err != nil {
		out = strings.TrimSpace(s)
	}
	return cases.Fold().String(out)
}

// ParseStatus converts any known spelling into the canonical status
func ParseStatus(s string) (Status, error) {
	if status, ok := statusSpellings[fold(s)]; ok {
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

// ParseCurrency accepts USD/DOP in any case, plus the printed symbols
func ParseCurrency(s string) (Currency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "USD", "US$":
		return CurrencyUSD, nil
	case "DOP", "RD$":
		return CurrencyDOP, nil
	}
	return "", fmt.Errorf("%w: unsupported currency %q", ErrValidation, s)
}

// NormalizeCode trims and upper-cases a scanned or typed code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeStation converts the station identifiers seen in the field
// ("1", "P1", "mesa 1", "caja-2") into the canonical letter+two digits form.
// Bare numbers are issuing tables and get the "P" prefix.
func NormalizeStation(s string) (string, error) {
	var letters, digits strings.Builder
	for _, r := range strings.ToUpper(fold(s)) {
		switch {
		case r >= 'A' && r <= 'Z':
			if digits.Len() > 0 {
				return "", fmt.Errorf("%w: station id %q", ErrValidation, s)
			}
			letters.WriteRune(r)
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		}
	}

	if digits.Len() == 0 {
		return "", fmt.Errorf("%w: station id %q has no number", ErrValidation, s)
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil || n > 99 {
		return "", fmt.Errorf("%w: station id %q out of range", ErrValidation, s)
	}

	prefix := "P"
	if letters.Len() > 0 {
		prefix = letters.String()[:1]
	}
	return fmt.Sprintf("%s%02d", prefix, n), nil
}
