package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/Zereker/pollnet"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := pollnet.Dial(ctx, "127.0.0.1:1234")
	if err != nil {
		slog.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	requests := [][]byte{[]byte("hello1"), []byte("hello2"), []byte("hello3")}
	replies, err := client.Pipeline(ctx, requests)
	for _, r := range replies {
		slog.Info("server says", "payload", string(r))
	}
	if err != nil {
		slog.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
}
