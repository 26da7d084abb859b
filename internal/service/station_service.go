package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kkkkikiki/voucher/internal/api"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/repository"
	"github.com/kkkkikiki/voucher/internal/station"
	"github.com/kkkkikiki/voucher/internal/syncengine"
)

const maxListLimit = 1000

// StationServer implements the station service
type StationServer struct {
	client *station.Client
	sync   *syncengine.Engine
	gate   *RoleGate
	logger *zap.Logger
}

// NewStationServer creates a new StationServer instance
func NewStationServer(client *station.Client, engine *syncengine.Engine, gate *RoleGate, logger *zap.Logger) *StationServer {
	return &StationServer{
		client: client,
		sync:   engine,
		gate:   gate,
		logger: logger.Named("rpc"),
	}
}

// session reads the operator from the request headers and authorizes it
func (s *StationServer) session(header interface{ Get(string) string }, operation string) (station.Session, error) {
	sess := station.Session{
		OperatorID: strings.TrimSpace(header.Get(api.HeaderOperatorID)),
		Role:       strings.ToLower(strings.TrimSpace(header.Get(api.HeaderOperatorRole))),
		Station:    strings.TrimSpace(header.Get(api.HeaderStation)),
	}
	if sess.OperatorID == "" {
		return sess, connect.NewError(connect.CodeUnauthenticated, errors.New("missing operator id"))
	}
	if err := s.gate.Authorize(operation, sess.Role); err != nil {
		return sess, connect.NewError(connect.CodePermissionDenied, err)
	}
	return sess, nil
}

// Issue creates and prints a new voucher
func (s *StationServer) Issue(
	ctx context.Context,
	req *connect.Request[api.IssueRequest],
) (*connect.Response[api.IssueResponse], error) {
	sess, err := s.session(req.Header(), OpIssue)
	if err != nil {
		return nil, err
	}
	if req.Msg.Station != "" {
		sess.Station = req.Msg.Station
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Msg.Amount))
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("invalid amount %q", req.Msg.Amount))
	}
	currency, err := model.ParseCurrency(req.Msg.Currency)
	if err != nil {
		return nil, connectError(err)
	}

	v, err := s.client.Issue(ctx, sess, amount, currency)
	if err != nil {
		return nil, s.internal("issue", err)
	}

	return connect.NewResponse(&api.IssueResponse{
		Voucher: api.VoucherFromModel(v),
		Payload: s.client.PublicFields(v).Payload,
	}), nil
}

// Redeem validates a scanned payload and redeems its voucher. Refusals
// such as an already redeemed voucher are outcomes, not errors.
func (s *StationServer) Redeem(
	ctx context.Context,
	req *connect.Request[api.RedeemRequest],
) (*connect.Response[api.RedeemResponse], error) {
	sess, err := s.session(req.Header(), OpRedeem)
	if err != nil {
		return nil, err
	}

	v, err := s.client.Redeem(ctx, sess, req.Msg.Payload)
	outcome := station.OutcomeOf(err)
	if outcome == station.OutcomeUnavailable {
		return nil, s.internal("redeem", err)
	}

	res := &api.RedeemResponse{Outcome: string(outcome), Voucher: api.VoucherFromModel(v)}
	if err != nil {
		res.Message = err.Error()
	}
	return connect.NewResponse(res), nil
}

// Validate previews a redemption without changing the voucher
func (s *StationServer) Validate(
	ctx context.Context,
	req *connect.Request[api.ValidateRequest],
) (*connect.Response[api.ValidateResponse], error) {
	sess, err := s.session(req.Header(), OpValidate)
	if err != nil {
		return nil, err
	}

	v, err := s.client.Validate(ctx, sess, req.Msg.Payload)
	outcome := station.OutcomeOf(err)
	if outcome == station.OutcomeUnavailable {
		return nil, s.internal("validate", err)
	}

	res := &api.ValidateResponse{Outcome: string(outcome), Voucher: api.VoucherFromModel(v)}
	if err != nil {
		res.Message = err.Error()
	}
	return connect.NewResponse(res), nil
}

// Cancel voids an active voucher
func (s *StationServer) Cancel(
	ctx context.Context,
	req *connect.Request[api.CancelRequest],
) (*connect.Response[api.CancelResponse], error) {
	sess, err := s.session(req.Header(), OpCancel)
	if err != nil {
		return nil, err
	}

	v, err := s.client.Cancel(ctx, sess, req.Msg.Code, req.Msg.Reason)
	if err != nil {
		return nil, s.internal("cancel", err)
	}
	return connect.NewResponse(&api.CancelResponse{Voucher: api.VoucherFromModel(v)}), nil
}

// GetVoucher returns one voucher
func (s *StationServer) GetVoucher(
	ctx context.Context,
	req *connect.Request[api.GetVoucherRequest],
) (*connect.Response[api.GetVoucherResponse], error) {
	if _, err := s.session(req.Header(), OpRead); err != nil {
		return nil, err
	}

	v, err := s.client.Get(ctx, req.Msg.Code)
	if err != nil {
		return nil, s.internal("get", err)
	}
	return connect.NewResponse(&api.GetVoucherResponse{Voucher: api.VoucherFromModel(v)}), nil
}

// ListVouchers returns local vouchers matching the request filters
func (s *StationServer) ListVouchers(
	ctx context.Context,
	req *connect.Request[api.ListVouchersRequest],
) (*connect.Response[api.ListVouchersResponse], error) {
	if _, err := s.session(req.Header(), OpRead); err != nil {
		return nil, err
	}

	filter := repository.ListFilter{
		From:  api.Time(req.Msg.From),
		To:    api.Time(req.Msg.To),
		Limit: int(req.Msg.Limit),
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	for _, raw := range req.Msg.Statuses {
		status, err := model.ParseStatus(raw)
		if err != nil {
			return nil, connectError(err)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	switch model.SyncState(req.Msg.SyncState) {
	case "":
	case model.SyncPending, model.SyncSynced:
		filter.SyncState = model.SyncState(req.Msg.SyncState)
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown sync state %q", req.Msg.SyncState))
	}

	vouchers, err := s.client.List(ctx, filter)
	if err != nil {
		return nil, s.internal("list", err)
	}

	res := &api.ListVouchersResponse{Vouchers: make([]*api.Voucher, 0, len(vouchers))}
	for _, v := range vouchers {
		res.Vouchers = append(res.Vouchers, api.VoucherFromModel(v))
	}
	return connect.NewResponse(res), nil
}

// Summary returns counts and totals per status and currency
func (s *StationServer) Summary(
	ctx context.Context,
	req *connect.Request[api.SummaryRequest],
) (*connect.Response[api.SummaryResponse], error) {
	if _, err := s.session(req.Header(), OpSummary); err != nil {
		return nil, err
	}

	summary, err := s.client.Summary(ctx, api.Time(req.Msg.From), api.Time(req.Msg.To), req.Msg.ByStation)
	if err != nil {
		return nil, s.internal("summary", err)
	}
	return connect.NewResponse(api.SummaryFromLedger(summary)), nil
}

// AuditTrail returns the recorded events of one code
func (s *StationServer) AuditTrail(
	ctx context.Context,
	req *connect.Request[api.AuditTrailRequest],
) (*connect.Response[api.AuditTrailResponse], error) {
	if _, err := s.session(req.Header(), OpAudit); err != nil {
		return nil, err
	}

	events, err := s.client.AuditTrail(ctx, req.Msg.Code)
	if err != nil {
		return nil, s.internal("audit", err)
	}
	return connect.NewResponse(api.AuditTrailFromModel(events)), nil
}

// SyncNow runs one push and pull pass immediately
func (s *StationServer) SyncNow(
	ctx context.Context,
	req *connect.Request[api.SyncNowRequest],
) (*connect.Response[api.SyncNowResponse], error) {
	if _, err := s.session(req.Header(), OpSync); err != nil {
		return nil, err
	}

	pushed, pulled := s.sync.RunOnce(ctx)
	status, err := s.sync.Status(ctx)
	if err != nil {
		return nil, s.internal("sync status", err)
	}

	return connect.NewResponse(&api.SyncNowResponse{
		Pushed:    int32(pushed.Synced),
		Adopted:   int32(pushed.Adopted + pulled.Adopted),
		Conflicts: int32(pushed.Conflicts),
		Failed:    int32(pushed.Failed),
		Pulled:    int32(pulled.Inserted),
		Status: &api.SyncStatus{
			Enabled:    status.Enabled,
			Pending:    int32(status.Pending),
			Cursor:     status.Cursor,
			LastPushAt: api.NewTimestamp(status.LastPushAt),
			LastPullAt: api.NewTimestamp(status.LastPullAt),
			LastError:  status.LastError,
		},
	}), nil
}

// internal logs unexpected failures and maps err to a connect error
func (s *StationServer) internal(op string, err error) error {
	cerr := connectError(err)
	if cerr.Code() == connect.CodeInternal {
		s.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	}
	return cerr
}

// connectError maps ledger errors to connect codes
func connectError(err error) *connect.Error {
	switch {
	case errors.Is(err, model.ErrValidation):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, model.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, model.ErrAlreadyRedeemed),
		errors.Is(err, model.ErrAlreadyCancelled),
		errors.Is(err, model.ErrExpired):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, model.ErrDuplicateCode):
		return connect.NewError(connect.CodeAlreadyExists, err)
	}
	return connect.NewError(connect.CodeInternal, fmt.Errorf("internal error: %w", err))
}
