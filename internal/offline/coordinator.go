package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pointbrew/internal/model"
	"pointbrew/internal/service"
)

const DefaultSchedule = "@every 30s"

// Submitter is anything that can adjudicate a scan: the engine in-process,
// or one of the transport clients.
type Submitter interface {
	SubmitToken(ctx context.Context, accountID, raw string) (*model.RedemptionOutcome, error)
}

// SubmitResult is what the scanner shows the user. Exactly one of Outcome or
// Queued is set.
type SubmitResult struct {
	Outcome *model.RedemptionOutcome
	Queued  bool
	Entry   Entry
}

type Settled struct {
	Entry   Entry
	Outcome *model.RedemptionOutcome
}

// ReplayReport summarizes one pass over the queue.
type ReplayReport struct {
	Settled   []Settled
	Dropped   []Entry
	Remaining int
	// Stopped is set when a failure without a decision ended the pass early.
	Stopped bool
}

// Coordinator holds scans made while the ledger is unreachable and replays
// them, oldest first, once it is back.
type Coordinator struct {
	submitter Submitter
	queue     *FileQueue
	logger    *zap.Logger
	schedule  string
	now       func() time.Time

	flight    singleflight.Group
	reconnect chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCoordinator(submitter Submitter, queue *FileQueue, logger *zap.Logger, schedule string) *Coordinator {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Coordinator{
		submitter: submitter,
		queue:     queue,
		logger:    logger,
		schedule:  schedule,
		now:       time.Now,
		reconnect: make(chan struct{}, 1),
	}
}

// Submit tries the ledger once. Any failure other than a refused request
// parks the scan in the queue, since nothing proves the ledger decided it.
// Replays are safe: the ledger keys every decision on the token nonce.
func (c *Coordinator) Submit(ctx context.Context, accountID, raw string) (*SubmitResult, error) {
	out, err := c.submitter.SubmitToken(ctx, accountID, raw)
	if err == nil {
		return &SubmitResult{Outcome: out}, nil
	}
	if refused(err) {
		return nil, err
	}

	now := c.now().UTC()
	e, qerr := c.queue.Append(accountID, raw, now)
	if qerr != nil {
		return nil, fmt.Errorf("queue scan after %v: %w", err, qerr)
	}
	if e.Attempts == 0 {
		e.Attempts, e.FirstAttemptAt, e.LastError = 1, now, err.Error()
		if qerr := c.queue.Update(e); qerr != nil {
			return nil, qerr
		}
	}
	c.logger.Info("No decision from the ledger, scan queued",
		zap.String("entry_id", e.ID),
		zap.String("account_id", accountID),
		zap.Error(err))
	return &SubmitResult{Queued: true, Entry: e}, nil
}

// Enqueue stores a scan without trying the ledger.
func (c *Coordinator) Enqueue(accountID, raw string) (Entry, error) {
	if accountID == "" {
		return Entry{}, service.ErrInvalidAccount
	}
	return c.queue.Append(accountID, raw, c.now().UTC())
}

func (c *Coordinator) Pending() []Entry {
	return c.queue.Entries()
}

// Replay submits queued scans in order. Callers arriving while a pass is in
// flight share its report.
func (c *Coordinator) Replay(ctx context.Context) (*ReplayReport, error) {
	v, err, _ := c.flight.Do("replay", func() (any, error) {
		return c.replay(ctx)
	})
	report, _ := v.(*ReplayReport)
	return report, err
}

func (c *Coordinator) replay(ctx context.Context) (*ReplayReport, error) {
	entries := c.queue.Entries()
	report := &ReplayReport{}

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			report.Remaining = len(entries) - i
			return report, err
		}

		now := c.now().UTC()
		if e.FirstAttemptAt.IsZero() {
			e.FirstAttemptAt = now
		}
		e.Attempts++

		out, err := c.submitter.SubmitToken(ctx, e.AccountID, e.Token)
		switch {
		case err == nil:
			if err := c.queue.Remove(e.ID); err != nil && !errors.Is(err, ErrEntryNotFound) {
				return report, err
			}
			report.Settled = append(report.Settled, Settled{Entry: e, Outcome: out})
			c.logger.Info("Queued scan settled",
				zap.String("entry_id", e.ID),
				zap.String("account_id", e.AccountID),
				zap.String("status", string(out.Status)),
				zap.Int("attempts", e.Attempts))

		case refused(err):
			if err := c.queue.Remove(e.ID); err != nil && !errors.Is(err, ErrEntryNotFound) {
				return report, err
			}
			e.LastError = err.Error()
			report.Dropped = append(report.Dropped, e)
			c.logger.Error("Queued scan dropped",
				zap.String("entry_id", e.ID),
				zap.String("account_id", e.AccountID),
				zap.Error(err))

		case ctx.Err() != nil:
			report.Remaining = len(entries) - i
			return report, ctx.Err()

		default:
			// Transient or unrecognised: the scan stays queued until the ledger
			// answers with a decision or a refusal.
			e.LastError = err.Error()
			if uerr := c.queue.Update(e); uerr != nil && !errors.Is(uerr, ErrEntryNotFound) {
				return report, uerr
			}
			report.Stopped = true
			report.Remaining = len(entries) - i
			c.logger.Info("No decision from the ledger, replay paused",
				zap.String("entry_id", e.ID),
				zap.Int("remaining", report.Remaining),
				zap.Bool("transient", errors.Is(err, service.ErrTransient)),
				zap.Error(err))
			return report, nil
		}
	}
	return report, nil
}

// refused reports whether the ledger rejected the request itself. Sending it
// again can never produce a decision.
func refused(err error) bool {
	return errors.Is(err, service.ErrInvalidAccount) || errors.Is(err, service.ErrInvalidRequest)
}

// Reconnected asks for a replay as soon as possible. It never blocks.
func (c *Coordinator) Reconnected() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Start replays on the cron schedule and on every Reconnected signal until
// ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	sched := cron.New(cron.WithChain(cron.Recover(cronLogger{c.logger.Sugar()})))
	if _, err := sched.AddFunc(c.schedule, func() { c.runOnce(ctx, "schedule") }); err != nil {
		return fmt.Errorf("sync schedule %q: %w", c.schedule, err)
	}
	sched.Start()
	c.logger.Info("Sync coordinator started",
		zap.String("schedule", c.schedule),
		zap.Int("pending", c.queue.Len()))

	for {
		select {
		case <-ctx.Done():
			<-sched.Stop().Done()
			c.logger.Info("Sync coordinator stopped", zap.Int("pending", c.queue.Len()))
			return nil
		case <-c.reconnect:
			c.runOnce(ctx, "reconnected")
		}
	}
}

func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) runOnce(ctx context.Context, trigger string) {
	if c.queue.Len() == 0 {
		return
	}
	report, err := c.Replay(ctx)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("Replay failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	if report != nil {
		c.logger.Debug("Replay finished",
			zap.String("trigger", trigger),
			zap.Int("settled", len(report.Settled)),
			zap.Int("dropped", len(report.Dropped)),
			zap.Int("remaining", report.Remaining))
	}
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
