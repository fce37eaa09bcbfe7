package infrastructure

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pointbrew/internal/config"
)

type fakeServer struct {
	startErr error
	stopped  atomic.Bool
}

func (f *fakeServer) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeServer) Stop(ctx context.Context) error {
	f.stopped.Store(true)
	return nil
}

func TestApp_StopsAllServersOnCancel(t *testing.T) {
	a, b := &fakeServer{}, &fakeServer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewApp([]Server{a, b}, zaptest.NewLogger(t)).Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.True(t, a.stopped.Load())
	assert.True(t, b.stopped.Load())
}

func TestApp_FailingServerStopsTheRest(t *testing.T) {
	boom := errors.New("listen: address in use")
	healthy := &fakeServer{}
	err := NewApp([]Server{healthy, &fakeServer{startErr: boom}}, zaptest.NewLogger(t)).Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, healthy.stopped.Load())
}

func memoryConfig() *config.Config {
	return &config.Config{
		StoreProvider:     "memory",
		BusProvider:       "none",
		ApiEnabled:        "true",
		ApiPort:           "0",
		GRPCEnabled:       "true",
		GRPCPort:          "0",
		MerchantMasterKey: "0123456789abcdef0123456789abcdef",
		Merchants:         []string{"brew-downtown"},
		CASMaxAttempts:    5,
	}
}

func TestBootstrap_Memory(t *testing.T) {
	app, cleanup, err := Bootstrap(context.Background(), memoryConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cleanup()
	assert.Len(t, app.servers, 2)
}

func TestBootstrap_NothingToServe(t *testing.T) {
	cfg := memoryConfig()
	cfg.ApiEnabled, cfg.GRPCEnabled = "", ""
	_, _, err := Bootstrap(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestBootstrap_BadMerchantKeys(t *testing.T) {
	cfg := memoryConfig()
	cfg.MerchantMasterKey = "short"
	_, _, err := Bootstrap(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestBootstrap_MissingRewardsFile(t *testing.T) {
	cfg := memoryConfig()
	cfg.RewardsFile = "/nonexistent/rewards.yaml"
	_, _, err := Bootstrap(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestLoadRewards_Default(t *testing.T) {
	catalog, err := LoadRewards("")
	require.NoError(t, err)
	assert.Len(t, catalog.Active(), 5)
}
