package api

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/kkkkikiki/voucher/internal/ledger"
	"github.com/kkkkikiki/voucher/internal/model"
)

// Voucher is the wire form of a voucher. The security hash is never sent;
// the scannable payload is returned only by Issue.
type Voucher struct {
	Code              string     `json:"code"`
	Amount            string     `json:"amount"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	IssuedAt          *Timestamp `json:"issued_at"`
	IssuingStation    string     `json:"issuing_station,omitempty"`
	IssuingOperator   string     `json:"issuing_operator,omitempty"`
	RedeemedAt        *Timestamp `json:"redeemed_at,omitempty"`
	RedeemingOperator string     `json:"redeeming_operator,omitempty"`
	RedeemingStation  string     `json:"redeeming_station,omitempty"`
	ClosedAt          *Timestamp `json:"closed_at,omitempty"`
	SyncState         string     `json:"sync_state"`
}

type IssueRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	// Station overrides the server's own station id, e.g. for a table
	Station string `json:"station,omitempty"`
}

type IssueResponse struct {
	Voucher *Voucher `json:"voucher"`
	Payload string   `json:"payload"`
}

type RedeemRequest struct {
	Payload string `json:"payload"`
}

// RedeemResponse carries every expected outcome, including refusals
type RedeemResponse struct {
	Outcome string   `json:"outcome"`
	Message string   `json:"message,omitempty"`
	Voucher *Voucher `json:"voucher,omitempty"`
}

type ValidateRequest struct {
	Payload string `json:"payload"`
}

// ValidateResponse previews what Redeem would answer for the payload
type ValidateResponse struct {
	Outcome string   `json:"outcome"`
	Message string   `json:"message,omitempty"`
	Voucher *Voucher `json:"voucher,omitempty"`
}

type CancelRequest struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

type CancelResponse struct {
	Voucher *Voucher `json:"voucher"`
}

type GetVoucherRequest struct {
	Code string `json:"code"`
}

type GetVoucherResponse struct {
	Voucher *Voucher `json:"voucher"`
}

type ListVouchersRequest struct {
	Statuses  []string   `json:"statuses,omitempty"`
	SyncState string     `json:"sync_state,omitempty"`
	From      *Timestamp `json:"from,omitempty"`
	To        *Timestamp `json:"to,omitempty"`
	Limit     int32      `json:"limit,omitempty"`
}

type ListVouchersResponse struct {
	Vouchers []*Voucher `json:"vouchers"`
}

type SummaryRequest struct {
	From *Timestamp `json:"from,omitempty"`
	To   *Timestamp `json:"to,omitempty"`
	// ByStation adds the issuing station to the grouping
	ByStation bool `json:"by_station,omitempty"`
}

type SummaryLine struct {
	Station  string `json:"station,omitempty"`
	Status   string `json:"status"`
	Currency string `json:"currency"`
	Count    int32  `json:"count"`
	Amount   string `json:"amount"`
}

type SummaryResponse struct {
	From      *Timestamp     `json:"from,omitempty"`
	To        *Timestamp     `json:"to,omitempty"`
	ByStation bool           `json:"by_station,omitempty"`
	Total     int32          `json:"total"`
	Lines     []*SummaryLine `json:"lines"`
}

type AuditTrailRequest struct {
	Code string `json:"code"`
}

type AuditEvent struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Code     string            `json:"code"`
	Station  string            `json:"station,omitempty"`
	Operator string            `json:"operator,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
	At       *Timestamp        `json:"at"`
}

type AuditTrailResponse struct {
	Events []*AuditEvent `json:"events"`
}

type SyncNowRequest struct{}

type SyncStatus struct {
	Enabled    bool       `json:"enabled"`
	Pending    int32      `json:"pending"`
	Cursor     int64      `json:"cursor"`
	LastPushAt *Timestamp `json:"last_push_at,omitempty"`
	LastPullAt *Timestamp `json:"last_pull_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

type SyncNowResponse struct {
	Pushed    int32       `json:"pushed"`
	Adopted   int32       `json:"adopted"`
	Conflicts int32       `json:"conflicts"`
	Failed    int32       `json:"failed"`
	Pulled    int32       `json:"pulled"`
	Status    *SyncStatus `json:"status"`
}

// Timestamp is a protobuf well-known timestamp carried in its JSON
// mapping, an RFC 3339 string in UTC.
type Timestamp struct {
	pb *timestamppb.Timestamp
}

// NewTimestamp converts t, mapping the zero time to nil
func NewTimestamp(t time.Time) *Timestamp {
	if t.IsZero() {
		return nil
	}
	return &Timestamp{pb: timestamppb.New(t)}
}

func timestampPtr(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	return NewTimestamp(*t)
}

// AsTime returns the instant in UTC, or the zero time for nil
func (t *Timestamp) AsTime() time.Time {
	if t == nil || t.pb == nil {
		return time.Time{}
	}
	return t.pb.AsTime()
}

func (t *Timestamp) MarshalJSON() ([]byte, error) {
	if t == nil || t.pb == nil {
		return []byte("null"), nil
	}
	return protojson.Marshal(t.pb)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	pb := &timestamppb.Timestamp{}
	if err := protojson.Unmarshal(data, pb); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	t.pb = pb
	return nil
}

// Time converts ts, mapping nil to the zero time
func Time(ts *Timestamp) time.Time {
	return ts.AsTime()
}

// VoucherFromModel converts a stored voucher to its wire form
func VoucherFromModel(v *model.Voucher) *Voucher {
	if v == nil {
		return nil
	}
	return &Voucher{
		Code:              v.Code,
		Amount:            v.Amount.StringFixed(2),
		Currency:          string(v.Currency),
		Status:            string(v.Status),
		IssuedAt:          NewTimestamp(v.IssuedAt),
		IssuingStation:    v.IssuingStation,
		IssuingOperator:   v.IssuingOperator,
		RedeemedAt:        timestampPtr(v.RedeemedAt),
		RedeemingOperator: v.RedeemingOperator,
		RedeemingStation:  v.RedeemingStation,
		ClosedAt:          timestampPtr(v.ClosedAt),
		SyncState:         string(v.SyncState),
	}
}

// SummaryFromLedger converts a ledger summary to its wire form
func SummaryFromLedger(s *ledger.Summary) *SummaryResponse {
	res := &SummaryResponse{
		From:      NewTimestamp(s.From),
		To:        NewTimestamp(s.To),
		ByStation: s.ByStation,
		Total:     int32(s.Total),
		Lines:     make([]*SummaryLine, 0, len(s.Lines)),
	}
	for _, line := range s.Lines {
		res.Lines = append(res.Lines, &SummaryLine{
			Station:  line.Station,
			Status:   string(line.Status),
			Currency: string(line.Currency),
			Count:    int32(line.Count),
			Amount:   line.Amount.StringFixed(2),
		})
	}
	return res
}

// AuditTrailFromModel converts recorded events to their wire form
func AuditTrailFromModel(events []model.AuditEvent) *AuditTrailResponse {
	res := &AuditTrailResponse{Events: make([]*AuditEvent, 0, len(events))}
	for _, e := range events {
		res.Events = append(res.Events, &AuditEvent{
			ID:       e.ID,
			Type:     string(e.Type),
			Code:     e.Code,
			Station:  e.Station,
			Operator: e.Operator,
			Details:  e.Details,
			At:       NewTimestamp(e.At),
		})
	}
	return res
}
