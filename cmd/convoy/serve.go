package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoyhq/convoy/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow orchestration HTTP server",
	Long: `Start the HTTP API that accepts workflow submissions, approval
decisions, and quota queries. Runs until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := buildStack(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background sweeps: quota window pruning and approval TTL expiry.
	go st.quota.RunMaintenance(ctx)
	go st.pending.RunExpiry(ctx, time.Minute)

	srv := server.New(st.orchestrator, st.quota, st.registry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(st.cfg.Server.Addr)
	}()
	log.Printf("[serve] listening on %s", st.cfg.Server.Addr)

	select {
	case <-ctx.Done():
		log.Printf("[serve] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		input, output, calls := st.llm.Tracker().Totals()
		log.Printf("[serve] LLM usage this session: %d calls, %d input + %d output tokens", calls, input, output)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}
}
