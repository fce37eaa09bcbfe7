package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pointbrew/internal/model"
	"pointbrew/internal/service"
)

type Server struct {
	svc    service.LedgerService
	srv    *grpc.Server
	addr   string
	logger *zap.Logger
}

func NewServer(addr string, svc service.LedgerService, logger *zap.Logger) *Server {
	s := &Server{svc: svc, addr: addr, logger: logger}
	s.srv = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	RegisterLedgerServer(s.srv, s)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) SubmitToken(ctx context.Context, req *SubmitTokenRequest) (*model.RedemptionOutcome, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	out, err := s.svc.SubmitToken(ctx, req.AccountID, req.Token)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Server) GetAccount(ctx context.Context, req *GetAccountRequest) (*model.Account, error) {
	acc, err := s.svc.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return acc, nil
}

func (s *Server) AccountHistory(ctx context.Context, req *AccountHistoryRequest) (*AccountHistoryResponse, error) {
	if req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must not be negative")
	}
	recs, err := s.svc.AccountHistory(ctx, req.AccountID, model.HistoryQuery{From: req.From, To: req.To, Limit: req.Limit})
	if err != nil {
		return nil, toStatus(err)
	}
	return &AccountHistoryResponse{Transactions: recs}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidAccount), errors.Is(err, service.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrTransient):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Duration("took", time.Since(start)),
	}
	if status.Code(err) == codes.Internal {
		s.logger.Error("gRPC call failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("gRPC call", fields...)
	}
	return resp, err
}
