package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trustledger/config"
	"trustledger/dashboard"
	"trustledger/db"
	"trustledger/dispute"
	"trustledger/httpapi"
	"trustledger/ledger"
	"trustledger/logging"
	"trustledger/metrics"
	"trustledger/outbox"
	"trustledger/sla"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "trustledger",
		Short:         "Escrow ledger and dispute resolution service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(escalateCmd(&configPath))
	root.AddCommand(reconcileCmd(&configPath))
	root.AddCommand(tokenCmd(&configPath))
	return root
}

// app holds the wired services shared by every command.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	ledger   *ledger.Service
	disputes *dispute.Service
	cleanup  func()
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, syncLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		syncLog()
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	out := outbox.NewWriter()
	ledgerSvc := ledger.NewService(pool, nil, out, log.Named("ledger")).WithMetrics(m)
	disputeSvc := dispute.NewService(pool, nil, ledgerSvc, out, log.Named("dispute")).WithMetrics(m)

	return &app{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		registry: registry,
		metrics:  m,
		ledger:   ledgerSvc,
		disputes: disputeSvc,
		cleanup: func() {
			pool.Close()
			syncLog()
		},
	}, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.cleanup()
			if a.cfg.Auth.JWTSecret == "" {
				return errors.New("serve: JWT_SECRET is required")
			}

			dash := dashboard.NewService(a.disputes, a.ledger, a.cfg.SLA.AtRiskWindow, a.log.Named("dashboard"))
			server := httpapi.NewServer(httpapi.Options{
				Disputes:  a.disputes,
				Dashboard: dash,
				Verifier:  httpapi.NewTokenVerifier(a.cfg.Auth.JWTSecret),
				Pinger:    a.pool,
				Metrics:   a.metrics,
				Logger:    a.log.Named("http"),
			})

			srv := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           server.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Info("http server listening", zap.String("addr", srv.Addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info("shutting down http server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("serve: shutdown: %w", err)
			}
			return nil
		},
	}
}

func escalateCmd(configPath *string) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Record escalations for lapsed party deadlines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.cleanup()

			escalator := sla.NewEscalator(a.disputes, a.disputes, a.cfg.SLA.EscalationBatchSize, a.log.Named("escalator"))
			return runEscalations(ctx, escalator, interval, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Repeat the sweep at this interval; zero runs once")
	return cmd
}

type sweeper interface {
	Sweep(ctx context.Context) (sla.SweepResult, error)
}

func runEscalations(ctx context.Context, s sweeper, interval time.Duration, w io.Writer) error {
	for {
		res, err := s.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("escalate: %w", err)
		}
		fmt.Fprintf(w, "scanned=%d escalated=%d failed=%d\n", res.Scanned, res.Escalated, res.Failed)
		if interval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func reconcileCmd(configPath *string) *cobra.Command {
	var (
		staleAfter time.Duration
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "reconcile-candidates",
		Short: "List active accounts whose last reconciliation is stale",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.cleanup()

			accounts, err := a.ledger.ReconciliationCandidates(ctx, time.Now().Add(-staleAfter), limit)
			if err != nil {
				return err
			}
			return printCandidates(cmd.OutOrStdout(), accounts)
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 24*time.Hour, "Accounts not reconciled within this window are listed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum accounts to list")
	return cmd
}

func printCandidates(w io.Writer, accounts []ledger.Account) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tOWNER\tCURRENCY\tBALANCE\tPENDING\tLAST RECONCILED")
	for _, acc := range accounts {
		last := "never"
		if acc.LastReconciledAt != nil {
			last = acc.LastReconciledAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			acc.ID, acc.OwnerID, acc.CurrencyCode,
			acc.CurrentBalance.StringFixed(2), acc.PendingReleaseTotal.StringFixed(2), last)
	}
	return tw.Flush()
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a bearer token for a user or service account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("token: JWT_SECRET is required")
			}
			token, err := httpapi.NewTokenVerifier(cfg.Auth.JWTSecret).IssueToken(args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&roles, "role", "r", nil, "Role claim, repeatable (customer, provider, mediator, admin, system)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
