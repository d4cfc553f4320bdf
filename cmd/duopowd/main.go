// Command duopowd links Duolingo accounts to reward addresses and reconciles
// XP against the on-chain DuoPoW contract.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/encody/duopow/bot"
	"github.com/encody/duopow/cmd/internal/passphrase"
	"github.com/encody/duopow/config"
	"github.com/encody/duopow/crypto"
	"github.com/encody/duopow/duolingo"
	"github.com/encody/duopow/linkflow"
	"github.com/encody/duopow/observability"
	"github.com/encody/duopow/observability/logging"
	telemetry "github.com/encody/duopow/observability/otel"
	"github.com/encody/duopow/reconcile"
	"github.com/encody/duopow/registry"
	"github.com/encody/duopow/server"
)

const version = "0.2.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "duopowd",
		Short:         "Duolingo-to-chain account linking and XP reward reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newGenerateKeystoreCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the duopowd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "duopowd "+version)
		},
	}
}

func newGenerateKeystoreCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "generate-keystore",
		Short: "Create a fresh signer key encrypted in an Ethereum v3 keystore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pass, err := passphrase.NewSource(config.EnvPassphrase).Get()
			if err != nil {
				return err
			}
			addr, path, err := crypto.GenerateKeystore(dir, pass)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nkeystore: %s\n", addr.Hex(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "./keystore/", "directory for the keystore file")
	return cmd
}

func newRunCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the linking and reconciliation daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config; DUOPOW_* env vars fill the gaps")
	return cmd
}

func run(ctx context.Context, cfgPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("duopowd", cfg.Environment)
	logger.Info("starting", "version", version, "chain", cfg.Chain.String())

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "duopowd",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	pass, err := passphrase.NewSource(cfg.Keystore.PassphraseEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadKeystore(cfg.Keystore.Path, pass)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}

	backend, err := registry.Dial(cfg.Chain.Endpoint)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}
	defer backend.Close()

	reg, err := registry.New(backend, cfg.Chain.ContractAddress(), key, cfg.Chain.ChainID)
	if err != nil {
		return fmt.Errorf("init registry client: %w", err)
	}

	profiles := duolingo.New(
		duolingo.WithBaseURL(cfg.Duolingo.BaseURL),
		duolingo.WithTimeout(cfg.Duolingo.Timeout.Duration),
		duolingo.WithRateLimit(cfg.Duolingo.RequestsPerMinute, cfg.Duolingo.Burst),
		duolingo.WithUserAgent("duopow-bot/"+version),
		duolingo.WithMetrics(observability.ProfileAPI()),
	)

	sessions := linkflow.NewDirectory()
	machine, err := linkflow.NewMachine(profiles, linkflow.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init linking machine: %w", err)
	}
	engine, err := reconcile.New(profiles, reg,
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(observability.Engine()),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	dispatcher, err := bot.NewDispatcher(sessions, machine, engine, logger)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	opsServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.NewOps(sessions),
		ReadHeaderTimeout: 5 * time.Second,
	}
	opsErr := make(chan error, 1)
	go func() {
		logger.Info("ops listener up", "addr", cfg.ListenAddress)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opsErr <- err
		}
	}()

	// The console transport reads events from stdin; richer transports plug
	// into the same dispatcher.
	consoleErr := make(chan error, 1)
	go func() {
		consoleErr <- bot.NewConsole(dispatcher).Run(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-opsErr:
		logger.Error("ops listener failed", "err", err)
	case err := <-consoleErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("console transport failed", "err", err)
		} else {
			logger.Info("console input closed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return opsServer.Shutdown(shutdownCtx)
}
