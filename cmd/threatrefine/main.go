// threatrefine refines STRIDE threat candidates for a data flow diagram.
//
// Usage:
//
//	threatrefine --dfd dfd_components.json --controls controls.json --out ./out
//	threatrefine --config threatrefine.yaml --threats identified_threats.json --no-generate
//	threatrefine check --config threatrefine.yaml
//	threatrefine kev-snapshot kev.json.zst
//
// Exit codes: 0 on success (including partial runs), 1 on a failed run or
// preflight, 2 on invalid configuration or inputs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/exploopio/threatrefine/pkg/config"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/enrichers/kev"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/pipeline"
)

const (
	appName    = "threatrefine"
	appVersion = "0.4.0"

	exitFailed = 1
	exitConfig = 2
)

type runFlags struct {
	configPath string
	dfd        string
	controls   string
	threats    string
	outDir     string
	apiKey     string
	model      string
	embedding  string
	industry   string
	logLevel   string
	auditLog   string
	metrics    string

	concurrency int
	budget      time.Duration
	noGenerate  bool
	offline     bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.IsConfigurationError(err) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFailed)
	}
}

func newRootCommand() *cobra.Command {
	var f runFlags
	root := &cobra.Command{
		Use:           appName,
		Short:         "Refine STRIDE threats for a data flow diagram",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, &f)
		},
	}

	fl := root.PersistentFlags()
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fl.StringVar(&f.dfd, "dfd", "", "DFD components document (dfd_components.json)")
	fl.StringVar(&f.controls, "controls", "", "Security controls document (controls.json)")
	fl.StringVar(&f.threats, "threats", "", "Previously identified threats (identified_threats.json)")
	fl.StringVarP(&f.outDir, "out", "o", "", "Output directory")
	fl.StringVar(&f.apiKey, "api-key", "", "Generative backend API key (or OPENAI_API_KEY)")
	fl.StringVar(&f.model, "model", "", "Generative model")
	fl.StringVar(&f.embedding, "embedding", "", "Embedding provider (openai, hashing)")
	fl.StringVar(&f.industry, "industry", "", "Industry profile for risk statements")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fl.StringVar(&f.auditLog, "audit-log", "", "Append JSONL audit events to this file")
	fl.StringVar(&f.metrics, "metrics-file", "", "Write Prometheus metrics to this textfile after the run")
	fl.IntVar(&f.concurrency, "concurrency", 0, "Concurrent generation calls")
	fl.DurationVar(&f.budget, "budget", 0, "Wall-clock budget of the generation batch")
	fl.BoolVar(&f.noGenerate, "no-generate", false, "Skip generation and refine the imported threats only")
	fl.BoolVar(&f.offline, "offline", false, "Use the KEV snapshot only and skip NVD and EPSS")

	root.AddCommand(newCheckCommand(&f), newSnapshotCommand(&f))
	return root
}

func loadConfig(cmd *cobra.Command, f *runFlags) (*config.Config, error) {
	opts := []config.Option{
		config.WithInputs(f.dfd, f.controls, f.threats),
		config.WithOutputDir(f.outDir),
		config.WithAPIKey(f.apiKey),
		config.WithModel(f.model),
		config.WithEmbedding(f.embedding),
		config.WithIndustry(f.industry),
		config.WithLogLevel(f.logLevel),
		config.WithAuditLog(f.auditLog),
		config.WithMetricsFile(f.metrics),
		config.WithConcurrency(f.concurrency),
		config.WithBudget(f.budget),
	}
	if cmd.Flags().Changed("no-generate") {
		opts = append(opts, config.WithGeneration(!f.noGenerate))
	}
	if cmd.Flags().Changed("offline") {
		opts = append(opts, config.WithOffline(f.offline))
	}

	return config.Load(f.configPath, opts...)
}

func run(cmd *cobra.Command, f *runFlags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	logger, err := core.NewZapLoggerFromConfig(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return errors.E(errors.KindConfiguration, "main", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := pipeline.LoadInputs(cfg.Inputs.DFD, cfg.Inputs.Controls, cfg.Inputs.Threats)
	if err != nil {
		return err
	}

	p, closeFn, err := pipeline.FromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.Warn("shutdown: %v", err)
		}
	}()

	res, err := p.Run(ctx, in)
	if err != nil {
		return err
	}

	s := res.Summary
	fmt.Fprintf(cmd.OutOrStdout(), "%d threats written to %s (%d candidates, %d suppressed, %d merged)\n",
		s.Final, cfg.Output.Dir, s.Candidates.Total, s.Suppression.Total, s.Merged)
	if s.Final > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "highest risk: %s (%d critical, %d high)\n",
			s.Risk.Highest(), s.Risk.Critical, s.Risk.High)
	}
	if s.Partial {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: generation budget exhausted, catalog is partial")
	}
	return nil
}

func newCheckCommand(f *runFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the configured backends are reachable before a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			rep := pipeline.Preflight(cfg).Run(cmd.Context())
			fmt.Fprint(cmd.OutOrStdout(), pipeline.FormatReport(rep))
			if !rep.Healthy() {
				return fmt.Errorf("preflight failed")
			}
			return nil
		},
	}
}

func newSnapshotCommand(f *runFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kev-snapshot PATH",
		Short: "Download the KEV catalog into a compressed snapshot for offline runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feeds, err := config.LoadFeeds(f.configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			client := kev.NewClient(feeds.KEV, nil, nil)
			if err := client.SaveSnapshot(ctx, args[0]); err != nil {
				return err
			}
			info, err := client.GetCatalogInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "KEV catalog %s (%s): %d entries saved to %s\n",
				info.CatalogVersion, info.DateReleased, client.CacheSize(), args[0])
			return nil
		},
	}
}
