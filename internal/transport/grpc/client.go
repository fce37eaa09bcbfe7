package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"pointbrew/internal/model"
	"pointbrew/internal/service"
)

// Client calls the ledger over gRPC. Only InvalidArgument is final; every
// other failure is reported as service.ErrTransient.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient dials addr lazily; extra options (for example a custom dialer)
// are appended to the defaults.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) SubmitToken(ctx context.Context, accountID, raw string) (*model.RedemptionOutcome, error) {
	var out model.RedemptionOutcome
	if err := c.invoke(ctx, "SubmitToken", &SubmitTokenRequest{AccountID: accountID, Token: raw}, &out); err != nil {
		return nil, err
	}
	if !out.Status.Terminal() {
		return nil, fmt.Errorf("%w: SubmitToken answer carried no decision", service.ErrTransient)
	}
	return &out, nil
}

func (c *Client) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var acc model.Account
	if err := c.invoke(ctx, "GetAccount", &GetAccountRequest{AccountID: accountID}, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (c *Client) AccountHistory(ctx context.Context, accountID string, q model.HistoryQuery) ([]model.TransactionRecord, error) {
	var resp AccountHistoryResponse
	req := &AccountHistoryRequest{AccountID: accountID, From: q.From, To: q.To, Limit: q.Limit}
	if err := c.invoke(ctx, "AccountHistory", req, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st := status.Convert(err)
	if st.Code() == codes.InvalidArgument {
		if st.Message() == service.ErrInvalidAccount.Error() {
			return service.ErrInvalidAccount
		}
		return fmt.Errorf("%w: %s: %s", service.ErrInvalidRequest, method, st.Message())
	}
	return fmt.Errorf("%w: %s: %s %s", service.ErrTransient, method, st.Code(), st.Message())
}
