package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/voucher/internal/model"
)

const (
	// IssuedAtLayout is the ISO-8601 form used inside payloads and signatures
	IssuedAtLayout = "2006-01-02T15:04:05.000Z07:00"

	fieldSeparator = "|"
	payloadFields  = 5
	randomSpace    = 10000
)

var (
	// CodePattern matches codes produced by GenerateCode: YYMMDD-SSS-HHMMSS-RRRR
	CodePattern = regexp.MustCompile(`^\d{6}-[A-Z]\d{2}-\d{6}-\d{4}$`)

	amountPattern = regexp.MustCompile(`^\d+\.\d{2}$`)
)

// Fields are the decoded parts of a scannable payload
type Fields struct {
	Code     string
	Amount   decimal.Decimal
	Currency model.Currency
	IssuedAt time.Time
	Hash     string
}

// Codec generates voucher codes and signs/verifies payloads with a
// station-wide secret. The secret never appears in any output.
type Codec struct {
	key  []byte
	rand io.Reader
}

// Option configures a Codec
type Option func(*Codec)

// WithRandom replaces the source of the random disambiguator
func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		c.rand = r
	}
}

// NewCodec creates a codec keyed with secret
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing key is empty")
	}
	c := &Codec{
		key:  append([]byte(nil), secret...),
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GenerateCode composes date, station, time of day and a random
// disambiguator. No counter or lock is involved; a collision within the
// same second on the same station is possible and is handled by the
// caller retrying on model.ErrDuplicateCode.
func (c *Codec) GenerateCode(stationID string, at time.Time) (string, error) {
	station, err := model.NormalizeStation(stationID)
	if err != nil {
		return "", err
	}

	n, err := rand.Int(c.rand, big.NewInt(randomSpace))
	if err != nil {
		return "", fmt.Errorf("failed to read random disambiguator: %w", err)
	}

	return fmt.Sprintf("%s-%s-%s-%04d", at.Format("060102"), station, at.Format("150405"), n.Int64()), nil
}

// Sign computes the hex HMAC-SHA256 over the canonical form of the four
// immutable fields.
func (c *Codec) Sign(code string, amount decimal.Decimal, currency model.Currency, issuedAt time.Time) string {
	return hex.EncodeToString(c.mac(code, amount, currency, issuedAt))
}

// SignVoucher is Sign over a voucher's own fields
func (c *Codec) SignVoucher(v *model.Voucher) string {
	return c.Sign(v.Code, v.Amount, v.Currency, v.IssuedAt)
}

// Verify recomputes the signature of a stored voucher and compares it
// against the stored hash in constant time.
func (c *Codec) Verify(v *model.Voucher) bool {
	got, err := hex.DecodeString(v.SecurityHash)
	if err != nil {
		return false
	}
	return hmac.Equal(c.mac(v.Code, v.Amount, v.Currency, v.IssuedAt), got)
}

// Encode renders code|amount|currency|issuedAt|hash
func (c *Codec) Encode(f Fields) string {
	return strings.Join([]string{
		canonicalFields(f.Code, f.Amount, f.Currency, f.IssuedAt),
		f.Hash,
	}, fieldSeparator)
}

// Payload is Encode over a stored voucher
func (c *Codec) Payload(v *model.Voucher) string {
	return c.Encode(Fields{
		Code:     v.Code,
		Amount:   v.Amount,
		Currency: v.Currency,
		IssuedAt: v.IssuedAt,
		Hash:     v.SecurityHash,
	})
}

// Decode strictly parses a payload. Any deviation from the five-field
// canonical shape is a model.ErrValidation; only surrounding whitespace
// left by a scanner is ignored.
func (c *Codec) Decode(payload string) (Fields, error) {
	parts := strings.Split(strings.TrimSpace(payload), fieldSeparator)
	if len(parts) != payloadFields {
		return Fields{}, fmt.Errorf("%w: expected %d fields, got %d", model.ErrValidation, payloadFields, len(parts))
	}

	code := parts[0]
	if code == "" {
		return Fields{}, fmt.Errorf("%w: empty code", model.ErrValidation)
	}
	if code != model.NormalizeCode(code) {
		return Fields{}, fmt.Errorf("%w: code %q is not canonical", model.ErrValidation, code)
	}

	if !amountPattern.MatchString(parts[1]) {
		return Fields{}, fmt.Errorf("%w: unparsable amount %q", model.ErrValidation, parts[1])
	}
	amount, err := decimal.NewFromString(parts[1])
	if err != nil || !amount.IsPositive() {
		return Fields{}, fmt.Errorf("%w: unparsable amount %q", model.ErrValidation, parts[1])
	}

	currency := model.Currency(parts[2])
	if !currency.IsValid() {
		return Fields{}, fmt.Errorf("%w: unsupported currency %q", model.ErrValidation, parts[2])
	}

	issuedAt, err := time.Parse(IssuedAtLayout, parts[3])
	if err != nil || model.CanonicalTime(issuedAt).Format(IssuedAtLayout) != parts[3] {
		return Fields{}, fmt.Errorf("%w: unparsable issue time %q", model.ErrValidation, parts[3])
	}

	hash := parts[4]
	if hash != strings.ToLower(hash) {
		return Fields{}, fmt.Errorf("%w: malformed signature", model.ErrValidation)
	}
	if raw, err := hex.DecodeString(hash); err != nil || len(raw) != sha256.Size {
		return Fields{}, fmt.Errorf("%w: malformed signature", model.ErrValidation)
	}

	return Fields{
		Code:     code,
		Amount:   amount,
		Currency: currency,
		IssuedAt: model.CanonicalTime(issuedAt),
		Hash:     hash,
	}, nil
}

// Validate decodes payload and checks its signature. It never panics or
// errors; anything malformed is simply invalid.
func (c *Codec) Validate(payload string) bool {
	_, ok := c.Open(payload)
	return ok
}

// Open is Validate that also returns the decoded fields
func (c *Codec) Open(payload string) (Fields, bool) {
	f, err := c.Decode(payload)
	if err != nil {
		return Fields{}, false
	}
	got, err := hex.DecodeString(f.Hash)
	if err != nil {
		return Fields{}, false
	}
	if !hmac.Equal(c.mac(f.Code, f.Amount, f.Currency, f.IssuedAt), got) {
		return Fields{}, false
	}
	return f, true
}

func (c *Codec) mac(code string, amount decimal.Decimal, currency model.Currency, issuedAt time.Time) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write([]byte(canonicalFields(code, amount, currency, issuedAt)))
	return h.Sum(nil)
}

func canonicalFields(code string, amount decimal.Decimal, currency model.Currency, issuedAt time.Time) string {
	return strings.Join([]string{
		code,
		amount.StringFixed(2),
		string(currency),
		model.CanonicalTime(issuedAt).Format(IssuedAtLayout),
	}, fieldSeparator)
}
