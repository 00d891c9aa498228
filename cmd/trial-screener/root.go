package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/trial-screening-engine/internal/config"
	"github.com/trial-screening-engine/internal/domain"
)

// version is set at build time via -ldflags.
var version = "dev"

type rootOptions struct {
	configFile string
	lite       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "trial-screener",
		Short: "Explainable clinical trial eligibility screening",
		Long: "trial-screener evaluates a patient profile against a trial's inclusion and\n" +
			"exclusion criteria, explains every verdict and records an audit trail.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "Config file (default: ./config.yaml, ./config/, /etc/trial-screener/)")
	pf.BoolVar(&opts.lite, "lite", false, "Use environment-only settings with a SQLite audit log under SCREENER_DATA_DIR")

	cmd.AddCommand(newScreenCmd(opts))
	cmd.AddCommand(newAuditCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	return cmd
}

// loadConfig resolves configuration from --lite or the viper-backed manager and
// applies key overrides (viper keys such as "knowledge.corpus_path")
func (o *rootOptions) loadConfig(overrides map[string]interface{}) (domain.Config, *logrus.Logger, error) {
	if o.lite {
		lite := config.LoadLiteConfig()
		if err := lite.EnsureDataDir(); err != nil {
			return domain.Config{}, nil, fmt.Errorf("create data dir: %w", err)
		}
		cfg := lite.ToConfig()
		for key, value := range overrides {
			if key == "knowledge.corpus_path" {
				cfg.Knowledge.CorpusPath = value.(string)
			}
		}
		return cfg, config.NewLogger(cfg.Logging), nil
	}

	manager, err := config.NewManagerWithFile(o.configFile)
	if err != nil {
		return domain.Config{}, nil, err
	}
	for key, value := range overrides {
		if err := manager.Set(key, value); err != nil {
			return domain.Config{}, nil, err
		}
	}
	if err := manager.Validate(); err != nil {
		return domain.Config{}, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg := manager.GetConfig()
	return cfg, config.NewLogger(cfg.Logging), nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context, logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cancelling screening")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
