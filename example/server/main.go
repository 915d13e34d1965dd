package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/pollnet"
)

var reply = []byte("world")

func main() {
	server, err := pollnet.New(pollnet.DefaultConfig())
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := pollnet.HandlerFunc(func(request []byte) []byte {
		slog.Info("client says", "payload", string(request))
		return reply
	})

	group, child := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(child, handler)
	})
	group.Go(func() error {
		return reportStatistics(child, server)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// reportStatistics logs the server counters until ctx is done.
func reportStatistics(ctx context.Context, server *pollnet.Server) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st := server.Statistics()
			slog.Info("statistics",
				"accepted", st.Accepted,
				"closed", st.Closed,
				"messages_in", st.MessagesIn,
				"messages_out", st.MessagesOut)
		}
	}
}
