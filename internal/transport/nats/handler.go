package nats

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pointbrew/internal/model"
	"pointbrew/internal/service"
)

const (
	SubjectRedeem  = "ledger.commands.redeem"
	queueGroup     = "ledger_group"
	commandTimeout = 10 * time.Second
)

// Reply is the answer to a redeem command. Outcome is set for every terminal
// decision; Transient marks a failure the sender should retry.
type Reply struct {
	Outcome   *model.RedemptionOutcome `json:"outcome,omitempty"`
	Transient bool                     `json:"transient,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// Handler serves redeem commands arriving over NATS request/reply.
type Handler struct {
	svc    service.LedgerService
	nc     *nats.Conn
	logger *zap.Logger
	sub    *nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, nc: nc, logger: logger}
}

// Start subscribes to the command subject and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(SubjectRedeem, queueGroup, func(m *nats.Msg) {
		reply := h.process(ctx, m.Data)
		if m.Reply == "" {
			return
		}
		if err := m.Respond(reply); err != nil {
			h.logger.Warn("NATS reply failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	h.sub = sub

	h.logger.Info("NATS command handler is running", zap.String("subject", SubjectRedeem))
	<-ctx.Done()
	h.logger.Info("NATS command handler shutting down, draining subscription")
	return sub.Drain()
}

func (h *Handler) Stop(ctx context.Context) error {
	return nil
}

func (h *Handler) process(ctx context.Context, data []byte) []byte {
	var req model.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("NATS: failed to unmarshal redeem command", zap.Error(err))
		return encodeReply(Reply{Error: "invalid_json"})
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := h.svc.SubmitToken(ctx, req.AccountID, req.Token)
	switch {
	case err == nil:
		return encodeReply(Reply{Outcome: out})
	case errors.Is(err, service.ErrTransient),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return encodeReply(Reply{Transient: true, Error: err.Error()})
	default:
		h.logger.Error("NATS: redeem failed", zap.String("account_id", req.AccountID), zap.Error(err))
		return encodeReply(Reply{Error: err.Error()})
	}
}

func encodeReply(r Reply) []byte {
	data, _ := json.Marshal(r)
	return data
}
