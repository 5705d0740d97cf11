package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zereker/pipesock"
)

const (
	port        = 12345
	opsAddr     = "127.0.0.1:8086"
	tickLimit   = 1000
	tickPeriod  = 10 * time.Millisecond
	maxRoutines = 10000
)

// echo sends every received message back to its sender from the consumer loop.
type echo struct {
	server *pipesock.Server
}

func (e *echo) handle(ev pipesock.Event) {
	switch ev.Type {
	case pipesock.Connected:
		slog.Info("client connected", "conn_id", ev.ConnID, "addr", e.server.ClientAddress(ev.ConnID))
	case pipesock.Data:
		e.server.Send(ev.ConnID, ev.Payload)
	case pipesock.Disconnected:
		slog.Info("client disconnected", "conn_id", ev.ConnID)
	}
}

func main() {
	registry := prometheus.NewRegistry()
	server := pipesock.NewServer(
		pipesock.MetricsOption(pipesock.NewMetrics(registry, "server")),
		pipesock.LoggerOption(slog.Default()),
	)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxRoutines))
	health.AddReadinessCheck("server-active", func() error {
		if !server.Active() {
			return errors.New("server not listening")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	go func() {
		if err := http.ListenAndServe(opsAddr, mux); err != nil {
			slog.Error("ops endpoint stopped", "error", err)
		}
	}()

	if err := server.Start(port); err != nil {
		slog.Error("failed to start server", "error", err)
		return
	}
	defer server.Stop()

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e := &echo{server: server}
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	slog.Info("echo server running", "addr", server.Addr(), "ops", opsAddr)
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down server...")
			return
		case <-ticker.C:
			server.Tick(tickLimit, e.handle)
		}
	}
}
