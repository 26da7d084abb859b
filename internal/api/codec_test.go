package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/voucher/internal/model"
)

func TestJSONCodec_TimestampWireShape(t *testing.T) {
	issued := time.Date(2025, 10, 17, 14, 30, 5, 123_000_000, time.UTC)
	v, err := model.NewVoucher("251017-P01-143005-0042", decimal.RequireFromString("25.50"), model.CurrencyUSD, issued, "P01", "ana", "h")
	require.NoError(t, err)

	data, err := jsonCodec{}.Marshal(&GetVoucherResponse{Voucher: VoucherFromModel(v)})
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "2025-10-17T14:30:05.123Z", raw["voucher"]["issued_at"])
	assert.NotContains(t, raw["voucher"], "redeemed_at")
	assert.NotContains(t, string(data), "seconds")

	var decoded GetVoucherResponse
	require.NoError(t, jsonCodec{}.Unmarshal(data, &decoded))
	assert.True(t, issued.Equal(decoded.Voucher.IssuedAt.AsTime()))
	assert.Nil(t, decoded.Voucher.RedeemedAt)
}

func TestJSONCodec_TimestampFromOffset(t *testing.T) {
	var req SummaryRequest
	require.NoError(t, jsonCodec{}.Unmarshal([]byte(`{"from":"2025-10-17T00:00:00-04:00","to":null}`), &req))

	assert.True(t, time.Date(2025, 10, 17, 4, 0, 0, 0, time.UTC).Equal(Time(req.From)))
	assert.True(t, Time(req.To).IsZero())
}

func TestJSONCodec_RejectsMalformedTimestamp(t *testing.T) {
	for _, body := range []string{
		`{"from":"yesterday"}`,
		`{"from":{"seconds":1760659200}}`,
		`{"from":1760659200}`,
	} {
		var req SummaryRequest
		assert.Error(t, jsonCodec{}.Unmarshal([]byte(body), &req), body)
	}
}

func TestNewTimestamp_ZeroIsNil(t *testing.T) {
	assert.Nil(t, NewTimestamp(time.Time{}))
	assert.True(t, Time(nil).IsZero())

	data, err := json.Marshal(&SyncStatus{})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "last_push_at")
}
