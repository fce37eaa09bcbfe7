package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"pointbrew/internal/model"
)

const serviceName = "pointbrew.ledger.v1.Ledger"

type SubmitTokenRequest struct {
	AccountID string `json:"account_id"`
	Token     string `json:"token"`
}

type GetAccountRequest struct {
	AccountID string `json:"account_id"`
}

type AccountHistoryRequest struct {
	AccountID string    `json:"account_id"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

type AccountHistoryResponse struct {
	Transactions []model.TransactionRecord `json:"transactions"`
}

// LedgerServer is the server side of pointbrew.ledger.v1.Ledger.
type LedgerServer interface {
	SubmitToken(context.Context, *SubmitTokenRequest) (*model.RedemptionOutcome, error)
	GetAccount(context.Context, *GetAccountRequest) (*model.Account, error)
	AccountHistory(context.Context, *AccountHistoryRequest) (*AccountHistoryResponse, error)
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SubmitToken", LedgerServer.SubmitToken),
		unaryHandler("GetAccount", LedgerServer.GetAccount),
		unaryHandler("AccountHistory", LedgerServer.AccountHistory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pointbrew/ledger/v1",
}
