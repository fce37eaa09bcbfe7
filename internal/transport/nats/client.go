package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"pointbrew/internal/model"
	"pointbrew/internal/service"
)

// DefaultRequestTimeout bounds one redeem request. A disconnected client
// buffers the request and would otherwise wait for as long as ctx allows.
const DefaultRequestTimeout = 5 * time.Second

// Client submits scans as NATS requests. Only a refused request is final; no
// responder, a timeout, a lost connection or a transient reply all map to
// service.ErrTransient.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewClient(nc *nats.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{nc: nc, timeout: timeout}
}

func (c *Client) SubmitToken(ctx context.Context, accountID, raw string) (*model.RedemptionOutcome, error) {
	if accountID == "" {
		return nil, service.ErrInvalidAccount
	}
	data, err := json.Marshal(model.SubmitRequest{AccountID: accountID, Token: raw})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, SubjectRedeem, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", service.ErrTransient, err)
	}

	return decodeReply(msg.Data)
}

func decodeReply(data []byte) (*model.RedemptionOutcome, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: decode redeem reply: %v", service.ErrTransient, err)
	}
	switch {
	case reply.Outcome != nil && reply.Outcome.Status.Terminal():
		return reply.Outcome, nil
	case reply.Error == service.ErrInvalidAccount.Error():
		return nil, service.ErrInvalidAccount
	case reply.Error == "invalid_json":
		return nil, fmt.Errorf("%w: %s", service.ErrInvalidRequest, reply.Error)
	default:
		return nil, fmt.Errorf("%w: redeem reply: %s", service.ErrTransient, reply.Error)
	}
}
