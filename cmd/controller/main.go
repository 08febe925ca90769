package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/cuidado/internal/config"
	"github.com/danielpatrickdp/cuidado/internal/logging"
	"github.com/danielpatrickdp/cuidado/internal/orchestrator"
	"github.com/danielpatrickdp/cuidado/internal/safety"
)

// #region main
func main() {
	var (
		cfgPath     string
		criticality float64
	)
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Interactive turn loop over the local model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath, criticality)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "config file (default ./cuidado.yaml if present)")
	cmd.Flags().Float64Var(&criticality, "criticality", 0, "external value-at-risk weight in [0,1]")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Fatalf("controller: %v", err)
	}
}

// #endregion main

// #region run
func run(ctx context.Context, cfgPath string, criticality float64) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rt, err := build(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	fmt.Println("cuidado controller ready.")
	fmt.Printf("  DB: %s | Backend: %s | Model: %s | Helper: %t | Therapy: %s\n",
		cfg.DB, cfg.Backend, cfg.Ollama.Model, cfg.Helper.Enabled, rt.orch.TherapyMode())
	fmt.Println("Type a message, '/therapy <mode>' to switch frames, or 'quit' to exit:")

	return repl(ctx, os.Stdin, os.Stdout, func(msg string) {
		if name, ok := strings.CutPrefix(msg, "/therapy"); ok {
			mode, err := rt.orch.SetTherapyMode(name)
			if err != nil {
				log.Printf("therapy: %v", err)
				return
			}
			fmt.Printf("therapy mode: %s\n", mode)
			return
		}
		res, err := rt.orch.RunTurn(ctx, orchestrator.TurnRequest{Message: msg, Criticality: criticality})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Printf("turn error: %v", err)
			}
			return
		}
		printTurn(res)
	})
}

// repl feeds trimmed, non-empty lines from in to handle until quit, EOF or
// ctx is done. Stdin is read on its own goroutine so an interrupt at an idle
// prompt returns immediately.
func repl(ctx context.Context, in io.Reader, out io.Writer, handle func(string)) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		errc <- scanner.Err()
		close(lines)
	}()

	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			msg := strings.TrimSpace(line)
			if msg == "" {
				continue
			}
			if msg == "quit" || msg == "exit" {
				return nil
			}
			handle(msg)
		}
	}
}

// #endregion run

// #region output
func printTurn(res orchestrator.TurnResult) {
	fmt.Printf("\n%s\n\n", res.Answer)
	s := res.Signals
	fmt.Printf("[%s] status=%s mode=%s U=%.2f N=%.2f S=%.2f V=%.2f evidence=%d",
		res.TurnID[:8], res.Status, res.Mode, s.Uncertainty, s.Novelty, s.Stability, s.ValueAtRisk, len(res.Evidence))
	if res.HelperUsed {
		fmt.Print(" helper=yes")
	}
	if res.ToolCall != nil {
		fmt.Printf(" tool=%s ok=%t", res.ToolCall.Name, res.ToolCall.OK)
	}
	if ids := safety.IDs(res.Flags); len(ids) > 0 {
		fmt.Printf(" flags=%s", strings.Join(ids, ","))
	}
	fmt.Println()
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// #endregion output
