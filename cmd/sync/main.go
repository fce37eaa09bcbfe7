// Command sync is the scanner-side client: it submits scans to the ledger and
// keeps the ones made while offline in a local queue until they can be replayed.
//
//	sync submit <account> <token>
//	sync enqueue <account> <token>
//	sync list
//	sync replay
//	sync watch
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pointbrew/internal/config"
	"pointbrew/internal/logging"
	"pointbrew/internal/offline"
	transportGRPC "pointbrew/internal/transport/grpc"
	transportHTTP "pointbrew/internal/transport/http"
	transportNATS "pointbrew/internal/transport/nats"
)

func main() {
	sc := config.LoadSync()
	flag.StringVar(&sc.Target, "target", sc.Target, "ledger address: http(s)://, grpc://host:port or nats://")
	flag.StringVar(&sc.QueuePath, "queue", sc.QueuePath, "offline queue file")
	flag.StringVar(&sc.Schedule, "schedule", sc.Schedule, "replay schedule for watch")
	flag.DurationVar(&sc.RequestTimeout, "timeout", sc.RequestTimeout, "per-submission timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Println("Usage: sync [flags] submit|enqueue <account> <token> | list | replay | watch")
		os.Exit(2)
	}

	logger, err := logging.New(sc.LogLevel, sc.LogEncoding)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	queue, err := offline.OpenFileQueue(sc.QueuePath)
	if err != nil {
		logger.Fatal("Unable to open queue", zap.Error(err))
	}

	// A NATS connect callback may fire before the coordinator exists.
	var current atomic.Pointer[offline.Coordinator]
	submitter, closeFn, err := newSubmitter(sc.Target, sc.RequestTimeout, func() {
		if c := current.Load(); c != nil {
			c.Reconnected()
		}
	})
	if err != nil {
		logger.Fatal("Unable to reach ledger", zap.String("target", sc.Target), zap.Error(err))
	}
	defer closeFn()
	coord := offline.NewCoordinator(submitter, queue, logger, sc.Schedule)
	current.Store(coord)

	switch cmd := args[0]; cmd {
	case "submit", "enqueue":
		if len(args) != 3 {
			logger.Fatal("Expected <account> <token>", zap.String("command", cmd))
		}
		if cmd == "enqueue" {
			entry, err := coord.Enqueue(args[1], args[2])
			if err != nil {
				logger.Fatal("Enqueue failed", zap.Error(err))
			}
			printJSON(entry)
			return
		}
		res, err := coord.Submit(ctx, args[1], args[2])
		if err != nil {
			logger.Fatal("Submit failed", zap.Error(err))
		}
		printJSON(res)

	case "list":
		printJSON(coord.Pending())

	case "replay":
		report, err := coord.Replay(ctx)
		if err != nil {
			logger.Fatal("Replay failed", zap.Error(err))
		}
		printJSON(report)

	case "watch":
		// SIGUSR1 is the manual "network is back" nudge for HTTP and gRPC targets.
		usr1 := make(chan os.Signal, 1)
		signal.Notify(usr1, syscall.SIGUSR1)
		go func() {
			for range usr1 {
				coord.Reconnected()
			}
		}()
		coord.Reconnected()
		if err := coord.Start(ctx); err != nil {
			logger.Fatal("Sync coordinator failed", zap.Error(err))
		}

	default:
		logger.Fatal("Unknown command", zap.String("command", cmd))
	}
}

// newSubmitter picks the client for the target's scheme. timeout bounds each
// submission; onReconnect fires when a NATS connection comes back.
func newSubmitter(target string, timeout time.Duration, onReconnect func()) (offline.Submitter, func(), error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, nil, fmt.Errorf("parse target: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return transportHTTP.NewClient(target, &http.Client{Timeout: timeout}), func() {}, nil
	case "grpc":
		c, err := transportGRPC.NewClient(u.Host)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	case "nats":
		nc, err := nats.Connect(target,
			nats.Name("pointbrew-sync"),
			nats.MaxReconnects(-1),
			nats.RetryOnFailedConnect(true),
			nats.ReconnectHandler(func(*nats.Conn) { onReconnect() }),
			nats.ConnectHandler(func(*nats.Conn) { onReconnect() }),
		)
		if err != nil {
			return nil, nil, err
		}
		return transportNATS.NewClient(nc, timeout), nc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
