// Command mailwatch watches a mailbox for matching messages, saves their
// attachments and marks them processed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/nhle/mailwatch/internal/attachment"
	"github.com/nhle/mailwatch/internal/credential"
	"github.com/nhle/mailwatch/internal/events"
	"github.com/nhle/mailwatch/internal/logging"
	"github.com/nhle/mailwatch/internal/mailstore"
	"github.com/nhle/mailwatch/internal/mailstore/graph"
	"github.com/nhle/mailwatch/internal/mailstore/imapstore"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/processor"
	"github.com/nhle/mailwatch/internal/store"
	"github.com/nhle/mailwatch/internal/watch"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "mailwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := model.Flags()
	if err := flags.Parse(args); err != nil {
		return err
	}
	configPath, _ := flags.GetString("config")

	cfg, err := model.LoadConfig(configPath, flags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	secret, err := credential.Resolve(cfg.Username, cfg.Password)
	if err != nil {
		return err
	}
	creds := cfg.Credentials(secret)
	filter := cfg.Filter()

	client, closeClient := newClient(cfg, logger)
	defer closeClient()

	opts := processor.Options{
		OutputDir:    cfg.OutputDir,
		ProcessedTag: cfg.ProcessedTag,
	}

	if cfg.Dedup.Enabled {
		ledger, err := openLedger(cfg.Dedup, logger)
		if err != nil {
			return err
		}
		defer ledger.Close()
		opts.Ledger = ledger
	}

	if cfg.NATS.URL != "" {
		pub, err := events.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts.Notifier = pub
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc := processor.New(client, attachment.NewWriter(), logger, opts)
	dispatcher := watch.NewDispatcher(ctx, client, proc, filter, cfg.PageSize, logger)
	supervisor := watch.NewSupervisor(client, creds, dispatcher, logger, watch.SupervisorOptions{
		InitialBackoff: cfg.ReconnectInitialBackoff,
		MaxBackoff:     cfg.ReconnectMaxBackoff,
	})

	logger.Info().
		Str("event", logging.EventAppStarted).
		Str("backend", cfg.Backend).
		Str("username", cfg.Username).
		Str("folder", string(filter.Folder)).
		Str("subject", filter.SubjectSubstring).
		Str("output_dir", cfg.OutputDir).
		Msg("mailwatch started")

	if err := supervisor.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	supervisor.Stop()

	if cfg.ShutdownGrace > 0 && !dispatcher.WaitTimeout(cfg.ShutdownGrace) {
		logger.Warn().Dur("grace", cfg.ShutdownGrace).Msg("Processing flows still running at exit")
	}
	return nil
}

// newClient builds the configured backend and a func that releases it.
func newClient(cfg *model.AppConfig, logger zerolog.Logger) (mailstore.Client, func()) {
	folder, _ := model.ParseFolder(cfg.Folder)

	if cfg.Backend == model.BackendGraph {
		gin.SetMode(gin.ReleaseMode)
		c := graph.New(graph.Options{
			TenantID:        cfg.Graph.TenantID,
			ClientID:        cfg.Graph.ClientID,
			ListenAddr:      cfg.Graph.ListenAddr,
			NotificationURL: cfg.Graph.NotificationURL,
			SubscriptionTTL: cfg.Graph.SubscriptionTTL,
		}, logger)
		return c, func() {
			if err := c.Close(); err != nil {
				logger.Error().Err(err).Msg("Closing webhook server")
			}
		}
	}

	c := imapstore.New(imapstore.Options{
		TLS:         cfg.IMAP.TLS,
		IdleRestart: cfg.IMAP.IdleRestart,
		Folder:      folder,
	}, logger)
	return c, func() {}
}

func openLedger(cfg model.DedupConfig, logger zerolog.Logger) (*store.SQLiteStore, error) {
	ledger, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening dedup ledger: %w", err)
	}

	if cfg.Retention > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := ledger.PruneBefore(ctx, time.Now().Add(-cfg.Retention))
		if err != nil {
			ledger.Close()
			return nil, err
		}
		if n > 0 {
			logger.Info().Int64("rows", n).Msg("Pruned dedup ledger")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logRecentProcessed(ctx, ledger, logger)
	return ledger, nil
}

// recentLedgerRows is how many ledger rows are logged at startup.
const recentLedgerRows = 5

// logRecentProcessed logs the newest ledger rows so an operator can see
// where the previous run stopped. A read failure is only a warning.
func logRecentProcessed(ctx context.Context, ledger store.Store, logger zerolog.Logger) {
	items, err := ledger.GetProcessed(ctx, recentLedgerRows)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not read dedup ledger")
		return
	}

	logger.Info().Int("recent", len(items)).Msg("Dedup ledger loaded")
	for _, it := range items {
		logger.Debug().
			Str("item_id", it.ItemID).
			Str("subject", it.Subject).
			Time("processed_at", it.ProcessedAt).
			Msg("Previously processed")
	}
}
