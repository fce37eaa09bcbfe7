package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pointbrew/internal/model"
	"pointbrew/internal/repository"
)

type recordingArchiver struct {
	failures int
	got      []model.TransactionRecord
}

func (a *recordingArchiver) Archive(ctx context.Context, rec model.TransactionRecord) error {
	if a.failures > 0 {
		a.failures--
		return repository.ErrStoreUnavailable
	}
	a.got = append(a.got, rec)
	return nil
}

func event(t *testing.T, duplicate bool) []byte {
	t.Helper()
	data, err := json.Marshal(model.LedgerEvent{
		Record: model.TransactionRecord{
			RedemptionID: "r1",
			AccountID:    "alice",
			Status:       model.StatusApplied,
			Delta:        50,
			BalanceAfter: 50,
			CreatedAt:    time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
		},
		Duplicate: duplicate,
	})
	require.NoError(t, err)
	return data
}

func TestArchiveWorker_Handle(t *testing.T) {
	a := &recordingArchiver{}
	w := NewArchiveWorker(a, nil, zaptest.NewLogger(t))

	require.NoError(t, w.handle(context.Background(), event(t, false)))
	require.Len(t, a.got, 1)
	assert.Equal(t, "r1", a.got[0].RedemptionID)
	assert.Equal(t, int64(50), a.got[0].BalanceAfter)

	require.NoError(t, w.handle(context.Background(), event(t, true)))
	assert.Len(t, a.got, 1, "duplicates are not archived again")
}

func TestArchiveWorker_RetriesTransientFailures(t *testing.T) {
	a := &recordingArchiver{failures: 2}
	w := NewArchiveWorker(a, nil, zaptest.NewLogger(t))

	require.NoError(t, w.handle(context.Background(), event(t, false)))
	assert.Len(t, a.got, 1)
}

func TestArchiveWorker_GivesUp(t *testing.T) {
	a := &recordingArchiver{failures: 10}
	w := NewArchiveWorker(a, nil, zaptest.NewLogger(t))

	err := w.handle(context.Background(), event(t, false))
	assert.True(t, errors.Is(err, repository.ErrStoreUnavailable))
	assert.Empty(t, a.got)
}

func TestArchiveWorker_BadPayload(t *testing.T) {
	w := NewArchiveWorker(&recordingArchiver{}, nil, zaptest.NewLogger(t))
	assert.Error(t, w.handle(context.Background(), []byte("garbage")))
}
