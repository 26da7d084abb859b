package api

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

// StationServiceName is the fully-qualified name of the station service
const StationServiceName = "voucher.v1.StationService"

// Procedure paths of the station service
const (
	StationServiceIssueProcedure        = "/" + StationServiceName + "/Issue"
	StationServiceRedeemProcedure       = "/" + StationServiceName + "/Redeem"
	StationServiceValidateProcedure     = "/" + StationServiceName + "/Validate"
	StationServiceCancelProcedure       = "/" + StationServiceName + "/Cancel"
	StationServiceGetVoucherProcedure   = "/" + StationServiceName + "/GetVoucher"
	StationServiceListVouchersProcedure = "/" + StationServiceName + "/ListVouchers"
	StationServiceSummaryProcedure      = "/" + StationServiceName + "/Summary"
	StationServiceAuditTrailProcedure   = "/" + StationServiceName + "/AuditTrail"
	StationServiceSyncNowProcedure      = "/" + StationServiceName + "/SyncNow"
)

// Session headers sent by every client
const (
	HeaderOperatorID   = "X-Operator-Id"
	HeaderOperatorRole = "X-Operator-Role"
	HeaderStation      = "X-Station-Id"
)

// StationServiceHandler is implemented by the station server
type StationServiceHandler interface {
	Issue(context.Context, *connect.Request[IssueRequest]) (*connect.Response[IssueResponse], error)
	Redeem(context.Context, *connect.Request[RedeemRequest]) (*connect.Response[RedeemResponse], error)
	Validate(context.Context, *connect.Request[ValidateRequest]) (*connect.Response[ValidateResponse], error)
	Cancel(context.Context, *connect.Request[CancelRequest]) (*connect.Response[CancelResponse], error)
	GetVoucher(context.Context, *connect.Request[GetVoucherRequest]) (*connect.Response[GetVoucherResponse], error)
	ListVouchers(context.Context, *connect.Request[ListVouchersRequest]) (*connect.Response[ListVouchersResponse], error)
	Summary(context.Context, *connect.Request[SummaryRequest]) (*connect.Response[SummaryResponse], error)
	AuditTrail(context.Context, *connect.Request[AuditTrailRequest]) (*connect.Response[AuditTrailResponse], error)
	SyncNow(context.Context, *connect.Request[SyncNowRequest]) (*connect.Response[SyncNowResponse], error)
}

// NewStationServiceHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler.
func NewStationServiceHandler(svc StationServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)

	issue := connect.NewUnaryHandler(StationServiceIssueProcedure, svc.Issue, opts...)
	redeem := connect.NewUnaryHandler(StationServiceRedeemProcedure, svc.Redeem, opts...)
	validate := connect.NewUnaryHandler(StationServiceValidateProcedure, svc.Validate, opts...)
	cancel := connect.NewUnaryHandler(StationServiceCancelProcedure, svc.Cancel, opts...)
	get := connect.NewUnaryHandler(StationServiceGetVoucherProcedure, svc.GetVoucher, opts...)
	list := connect.NewUnaryHandler(StationServiceListVouchersProcedure, svc.ListVouchers, opts...)
	summary := connect.NewUnaryHandler(StationServiceSummaryProcedure, svc.Summary, opts...)
	auditTrail := connect.NewUnaryHandler(StationServiceAuditTrailProcedure, svc.AuditTrail, opts...)
	syncNow := connect.NewUnaryHandler(StationServiceSyncNowProcedure, svc.SyncNow, opts...)

	return "/" + StationServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case StationServiceIssueProcedure:
			issue.ServeHTTP(w, r)
		case StationServiceRedeemProcedure:
			redeem.ServeHTTP(w, r)
		case StationServiceValidateProcedure:
			validate.ServeHTTP(w, r)
		case StationServiceCancelProcedure:
			cancel.ServeHTTP(w, r)
		case StationServiceGetVoucherProcedure:
			get.ServeHTTP(w, r)
		case StationServiceListVouchersProcedure:
			list.ServeHTTP(w, r)
		case StationServiceSummaryProcedure:
			summary.ServeHTTP(w, r)
		case StationServiceAuditTrailProcedure:
			auditTrail.ServeHTTP(w, r)
		case StationServiceSyncNowProcedure:
			syncNow.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// StationServiceClient calls a remote station server
type StationServiceClient struct {
	issue        *connect.Client[IssueRequest, IssueResponse]
	redeem       *connect.Client[RedeemRequest, RedeemResponse]
	validate     *connect.Client[ValidateRequest, ValidateResponse]
	cancel       *connect.Client[CancelRequest, CancelResponse]
	getVoucher   *connect.Client[GetVoucherRequest, GetVoucherResponse]
	listVouchers *connect.Client[ListVouchersRequest, ListVouchersResponse]
	summary      *connect.Client[SummaryRequest, SummaryResponse]
	auditTrail   *connect.Client[AuditTrailRequest, AuditTrailResponse]
	syncNow      *connect.Client[SyncNowRequest, SyncNowResponse]
}

// NewStationServiceClient creates a client for the server at baseURL
func NewStationServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *StationServiceClient {
	opts = clientOptions(opts)
	return &StationServiceClient{
		issue:        connect.NewClient[IssueRequest, IssueResponse](httpClient, baseURL+StationServiceIssueProcedure, opts...),
		redeem:       connect.NewClient[RedeemRequest, RedeemResponse](httpClient, baseURL+StationServiceRedeemProcedure, opts...),
		validate:     connect.NewClient[ValidateRequest, ValidateResponse](httpClient, baseURL+StationServiceValidateProcedure, opts...),
		cancel:       connect.NewClient[CancelRequest, CancelResponse](httpClient, baseURL+StationServiceCancelProcedure, opts...),
		getVoucher:   connect.NewClient[GetVoucherRequest, GetVoucherResponse](httpClient, baseURL+StationServiceGetVoucherProcedure, opts...),
		listVouchers: connect.NewClient[ListVouchersRequest, ListVouchersResponse](httpClient, baseURL+StationServiceListVouchersProcedure, opts...),
		summary:      connect.NewClient[SummaryRequest, SummaryResponse](httpClient, baseURL+StationServiceSummaryProcedure, opts...),
		auditTrail:   connect.NewClient[AuditTrailRequest, AuditTrailResponse](httpClient, baseURL+StationServiceAuditTrailProcedure, opts...),
		syncNow:      connect.NewClient[SyncNowRequest, SyncNowResponse](httpClient, baseURL+StationServiceSyncNowProcedure, opts...),
	}
}

func (c *StationServiceClient) Issue(ctx context.Context, req *connect.Request[IssueRequest]) (*connect.Response[IssueResponse], error) {
	return c.issue.CallUnary(ctx, req)
}

func (c *StationServiceClient) Redeem(ctx context.Context, req *connect.Request[RedeemRequest]) (*connect.Response[RedeemResponse], error) {
	return c.redeem.CallUnary(ctx, req)
}

func (c *StationServiceClient) Validate(ctx context.Context, req *connect.Request[ValidateRequest]) (*connect.Response[ValidateResponse], error) {
	return c.validate.CallUnary(ctx, req)
}

func (c *StationServiceClient) Cancel(ctx context.Context, req *connect.Request[CancelRequest]) (*connect.Response[CancelResponse], error) {
	return c.cancel.CallUnary(ctx, req)
}

func (c *StationServiceClient) GetVoucher(ctx context.Context, req *connect.Request[GetVoucherRequest]) (*connect.Response[GetVoucherResponse], error) {
	return c.getVoucher.CallUnary(ctx, req)
}

func (c *StationServiceClient) ListVouchers(ctx context.Context, req *connect.Request[ListVouchersRequest]) (*connect.Response[ListVouchersResponse], error) {
	return c.listVouchers.CallUnary(ctx, req)
}

func (c *StationServiceClient) Summary(ctx context.Context, req *connect.Request[SummaryRequest]) (*connect.Response[SummaryResponse], error) {
	return c.summary.CallUnary(ctx, req)
}

func (c *StationServiceClient) AuditTrail(ctx context.Context, req *connect.Request[AuditTrailRequest]) (*connect.Response[AuditTrailResponse], error) {
	return c.auditTrail.CallUnary(ctx, req)
}

func (c *StationServiceClient) SyncNow(ctx context.Context, req *connect.Request[SyncNowRequest]) (*connect.Response[SyncNowResponse], error) {
	return c.syncNow.CallUnary(ctx, req)
}
