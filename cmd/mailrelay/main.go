package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mediaflux/mailrelay/internal/config"
	"github.com/mediaflux/mailrelay/internal/cycle"
	"github.com/mediaflux/mailrelay/internal/dedup"
	"github.com/mediaflux/mailrelay/internal/imapclient"
	"github.com/mediaflux/mailrelay/internal/kvstore"
	"github.com/mediaflux/mailrelay/internal/notify"
	"github.com/mediaflux/mailrelay/internal/ratelimit"
	"github.com/mediaflux/mailrelay/internal/rules"
	"github.com/mediaflux/mailrelay/internal/settings"
	"github.com/mediaflux/mailrelay/internal/web"
	"github.com/mediaflux/mailrelay/internal/webhook"
)

var cfgFile string

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:   "mailrelay",
		Short: "Mailrelay - poll a mailbox and route messages to webhooks",
		Long: `Mailrelay polls an IMAP inbox, classifies messages against configured
routing rules and the built-in business patterns, extracts file-sharing
links, and forwards structured payloads to webhook endpoints.

Runtime settings (webhook targets, schedules, routing rules) live in the
shared store and are editable through the admin API while running.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mailrelay/config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	store    kvstore.Store
	provider *settings.Provider
	log      *webhook.Log
	proc     *cycle.Processor
	close    func()
}

func buildApp(logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	provider := settings.NewProvider(store, rules.NewStore(store))
	gate := dedup.New(store, logger)
	deliveryLog := webhook.NewLog(context.Background(), store, logger)
	sender := webhook.NewSender(ratelimit.New(), deliveryLog, logger)

	proc := cycle.NewProcessor(provider, gate, sender, func() cycle.MailSource {
		return imapclient.New(cfg.IMAP, logger)
	}, logger)

	if cfg.Notify.To != "" {
		notifySender, err := notify.NewSender(cfg.Notify)
		if err != nil {
			return nil, fmt.Errorf("failed to build notification sender: %w", err)
		}
		proc.Notifier = notify.NewNotifier(notifySender, cfg.Notify, logger)
	}

	return &app{
		cfg:      cfg,
		store:    store,
		provider: provider,
		log:      deliveryLog,
		proc:     proc,
		close:    closeStore,
	}, nil
}

// openStore prefers Redis; a SQLite file serves single-host deployments.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (kvstore.Store, func(), error) {
	if cfg.RedisURL != "" {
		r, err := kvstore.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		logger.Info("using redis store")
		return r, func() { r.Close() }, nil
	}
	s, err := kvstore.NewSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	logger.Info("using sqlite store", "path", cfg.SQLitePath)
	return s, func() { s.Close() }, nil
}

func serveCmd() *cobra.Command {
	var noPoller bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the background poller",
		Long: `Start the HTTP surface (push ingestion, admin API, dashboard) and,
when this process wins the singleton lock, the background mailbox poller.

Other replicas detect the held lock and serve HTTP only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(noPoller)
		},
	}

	cmd.Flags().BoolVar(&noPoller, "no-poller", false, "serve HTTP only, never start the poller")
	return cmd
}

func runServe(noPoller bool) error {
	logger := slog.Default()
	a, err := buildApp(logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pollerActive := false
	lock := cycle.NewSingletonLock(a.store, a.cfg.Poller.LockFile, logger)
	if !noPoller {
		held, err := lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire poller lock: %w", err)
		}
		if !held {
			logger.Info("poller lock held elsewhere, serving HTTP only")
		} else {
			pollerActive = true
			defer lock.Release(context.Background())

			runner := cycle.NewRunner(a.proc, logger)
			runner.ActiveSleep = time.Duration(a.cfg.Poller.ActiveSleepSec) * time.Second
			runner.InactiveSleep = time.Duration(a.cfg.Poller.InactiveSleepSec) * time.Second
			runner.MaxErrors = a.cfg.Poller.MaxErrors
			runner.CheckConfig = a.cfg.ValidateIMAP
			go func() {
				if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("background poller terminated", "error", err)
					stop()
				}
			}()
		}
	}

	srv, err := web.NewServer(a.cfg.Server, a.provider, a.proc, a.log, func() bool { return pollerActive }, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()
			a, err := buildApp(logger)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.cfg.ValidateIMAP(); err != nil {
				return err
			}
			n, err := a.proc.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("poll cycle complete: %d triggered deliveries\n", n)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import JSON-file-persisted settings into the shared store",
		Long: `Read a legacy JSON settings file (a flat object of config keys) and
write each entry into the shared store, stamping _updated_at.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(file)
		},
	}

	cmd.Flags().StringVar(&file, "file", "settings.json", "legacy settings file to import")
	return cmd
}

func runMigrate(file string) error {
	logger := slog.Default()
	a, err := buildApp(logger)
	if err != nil {
		return err
	}
	defer a.close()

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	var docs map[string]json.RawMessage
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("failed to parse %s: %w", file, err)
	}

	ctx := context.Background()
	migrated := 0
	for key, raw := range docs {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("entry %s is not an object: %w", key, err)
		}
		if _, ok := doc["_updated_at"]; !ok {
			doc["_updated_at"] = time.Now().UTC().Format(time.RFC3339)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to re-encode %s: %w", key, err)
		}
		if err := a.store.Set(ctx, key, string(out), 0); err != nil {
			return fmt.Errorf("failed to store %s: %w", key, err)
		}
		migrated++
	}

	fmt.Printf("migrated %d settings keys from %s\n", migrated, file)
	return nil
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkconfig",
		Short: "Verify the persisted settings documents",
		Long: `Check that each settings document in the shared store carries the
mandatory _updated_at marker. The routing-rules key may legitimately be
absent or empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckConfig()
		},
	}
}

func runCheckConfig() error {
	logger := slog.Default()
	a, err := buildApp(logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	required := []string{settings.KeyProcessing, settings.KeyWebhook, settings.KeyPolling}
	failed := false
	for _, key := range required {
		raw, ok, err := a.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if !ok {
			fmt.Printf("MISSING  %s\n", key)
			failed = true
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			fmt.Printf("INVALID  %s: not a JSON object\n", key)
			failed = true
			continue
		}
		if _, ok := doc["_updated_at"]; !ok {
			fmt.Printf("STALE    %s: missing _updated_at\n", key)
			failed = true
			continue
		}
		fmt.Printf("OK       %s\n", key)
	}

	// Routing rules may be empty; only flag a present-but-unreadable doc.
	raw, ok, err := a.store.Get(ctx, rules.StoreKey)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rules.StoreKey, err)
	}
	if !ok {
		fmt.Printf("OK       %s (empty)\n", rules.StoreKey)
	} else {
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			fmt.Printf("INVALID  %s: not a JSON object\n", rules.StoreKey)
			failed = true
		} else {
			fmt.Printf("OK       %s\n", rules.StoreKey)
		}
	}

	if failed {
		return fmt.Errorf("settings store check failed")
	}
	return nil
}
