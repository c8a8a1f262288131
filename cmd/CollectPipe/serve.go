package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CollectPipe/internal/api"
	"github.com/BTreeMap/CollectPipe/internal/flow"
	"github.com/BTreeMap/CollectPipe/internal/lockfile"
	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

// shutdownTimeout bounds HTTP shutdown.
const shutdownTimeout = 15 * time.Second

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the inbound worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a.cfg)
		},
	}
	f := cmd.Flags()
	f.String("api-addr", api.DefaultAddr, "API server address (overrides $API_ADDR)")
	f.Int("workers", 4, "debtors processed in parallel (overrides $WORKERS)")
	f.Int("history-window", flow.FullHistory, "messages shown to the classifier, -1 for all (overrides $CLASSIFIER_HISTORY_WINDOW)")
	f.String("ack-text", api.DefaultAckText, "webhook acknowledgment text, empty to disable (overrides $WEBHOOK_ACK_TEXT)")
	addProviderFlags(cmd)
	return cmd
}

// runServe wires the service and blocks until ctx is cancelled or the HTTP
// server fails. Shutdown order: HTTP server, job runner drain, gateway, store.
func runServe(ctx context.Context, cfg Config) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("runServe: store close failed", "error", err)
		}
	}()

	llm, err := newLLM(cfg)
	if err != nil {
		return err
	}
	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			slog.Warn("runServe: gateway close failed", "error", err)
		}
	}()

	locks := flow.NewKeyedMutex()
	pipeline := flow.NewPipeline(st,
		flow.NewClassifier(llm, flow.WithHistoryWindow(cfg.HistoryWindow)),
		flow.NewComposer(llm),
		gw.gateway, locks)
	dispatcher := flow.NewDispatcher(st, llm, gw.gateway, locks, flow.WithSendConcurrency(cfg.SendWorkers))

	runner := store.NewJobRunner(st, time.Second, store.WithWorkers(cfg.Workers))
	flow.RegisterJobHandlers(runner, pipeline)
	if err := runner.RecoverStaleJobs(); err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	queue := flow.NewIngestionQueue(st, st, runner)

	if gw.whatsApp != nil {
		gw.whatsApp.OnInbound(func(ctx context.Context, from, body, messageID string) {
			task := models.InboundTask{OwnerID: cfg.Owner, Phone: from, Body: body, MessageID: messageID}
			if _, err := queue.Enqueue(ctx, task); err != nil {
				slog.Error("runServe: whatsapp inbound not queued", "from", from, "error", err)
			}
		})
	}

	apiOpts := []api.Option{api.WithAddr(cfg.APIAddr), api.WithDefaultOwner(cfg.Owner)}
	if cfg.AckTextSet {
		apiOpts = append(apiOpts, api.WithAckText(cfg.AckText))
	}
	srv := api.NewServer(queue, dispatcher, st, apiOpts...)

	runnerCtx, stopRunner := context.WithCancel(context.Background())
	runnerDone := make(chan struct{})
	go func() {
		runner.Run(runnerCtx)
		close(runnerDone)
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	slog.Info("runServe: CollectPipe started", "addr", cfg.APIAddr, "provider", cfg.Provider, "owner", cfg.Owner)
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("runServe: shutdown requested")
	case runErr = <-serveErr:
		if runErr != nil {
			slog.Error("runServe: HTTP server failed", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("runServe: HTTP shutdown incomplete", "error", err)
	}
	stopRunner()
	<-runnerDone
	slog.Info("runServe: CollectPipe stopped")
	return runErr
}
