// inkstone is a CLI for translating Chinese web novels with LLMs. It keeps a
// per-workspace SQLite archive of books, chapters and a glossary of named
// entities, and drives chunked, glossary-consistent chapter translation
// through interchangeable providers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"inkstone/internal/config"
	"inkstone/internal/logging"
	"inkstone/internal/provider"
	"inkstone/internal/store"
	"inkstone/internal/translator"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Loaded in PersistentPreRunE
	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "inkstone",
	Short: "inkstone - LLM translation pipeline for Chinese web novels",
	Long: `inkstone translates long-form Chinese fiction (xianxia/xuanhuan) into
English with LLMs while keeping proper-noun translations consistent across
hundreds of chapters.

The workspace directory holds a SQLite archive (.inkstone/inkstone.db) with
books, chapters, a scoped glossary of named entities, and a translation
queue. Chapters are translated in chunks; every chunk's prompt carries the
glossary entries that occur in it, and new names coined by one chunk are
established vocabulary for the next.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Warnings and errors only by default; --verbose opens the firehose.
		zapCfg := zap.NewProductionConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return err
			}
		}
		if err := logging.Initialize(workspace); err != nil {
			return err
		}

		cfg, err = config.Load(config.Path(workspace))
		if err != nil {
			logger.Error("failed to load configuration",
				zap.String("path", config.Path(workspace)), zap.Error(err))
			return err
		}
		logger.Debug("command starting",
			zap.String("command", cmd.Name()),
			zap.String("workspace", workspace),
			zap.String("database", config.DatabasePath(workspace)),
			zap.String("translation_model", cfg.TranslationModel),
			zap.String("advice_model", cfg.AdviceModel))

		if store.DetectLegacyQueueFile(config.Dir(workspace) + "/queue.json") {
			logger.Warn("legacy queue.json found; the queue lives in the database now",
				zap.String("path", config.Dir(workspace)+"/queue.json"))
			fmt.Fprintln(os.Stderr, warnStyle.Render(
				"found legacy queue.json; the queue now lives in the database - re-enqueue with 'inkstone queue add' and delete the file"))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openStore opens the workspace database.
func openStore() (*store.Store, error) {
	path := config.DatabasePath(workspace)
	s, err := store.Open(path)
	if err != nil {
		logger.Error("failed to open store", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	logger.Debug("store opened", zap.String("path", path))
	return s, nil
}

// translationClient resolves the configured translation model.
func translationClient(ctx context.Context) (provider.Client, error) {
	client, err := provider.Resolve(ctx, cfg.TranslationModel, provider.Options{
		MaxChars:        cfg.MaxChars,
		MaxOutputTokens: cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, resolveError(cfg.TranslationModel, err)
	}
	logger.Debug("translation model resolved",
		zap.String("provider", client.Name()), zap.String("model", client.Model()))
	return client, nil
}

// adviceClient resolves the configured advice model.
func adviceClient(ctx context.Context) (provider.Client, error) {
	client, err := provider.Resolve(ctx, cfg.AdviceModel, provider.Options{})
	if err != nil {
		return nil, resolveError(cfg.AdviceModel, err)
	}
	logger.Debug("advice model resolved",
		zap.String("provider", client.Name()), zap.String("model", client.Model()))
	return client, nil
}

// resolveError decorates configuration failures with the catalog's provider
// names; anything else passes through untouched.
func resolveError(spec string, err error) error {
	logger.Error("failed to resolve model", zap.String("spec", spec), zap.Error(err))
	if errors.Is(err, provider.ErrConfig) {
		return fmt.Errorf("%w (providers: %s)", err, strings.Join(provider.Known(), ", "))
	}
	return err
}

// newTranslator wires a translator with ratio learning and streaming progress
// output.
func newTranslator(s *store.Store, client provider.Client, quiet bool) (*translator.Translator, error) {
	ratios, err := translator.NewRatioTracker(config.RatioPath(workspace))
	if err != nil {
		return nil, err
	}
	progress := func(ev translator.ProgressEvent) {}
	if !quiet {
		progress = func(ev translator.ProgressEvent) {
			if ev.Done {
				fmt.Fprintln(os.Stderr)
				return
			}
			fmt.Fprint(os.Stderr, ev.Delta)
		}
	}
	return translator.New(s, client, ratios, progress), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: current directory)")

	rootCmd.AddCommand(
		translateCmd,
		booksCmd,
		chaptersCmd,
		entitiesCmd,
		queueCmd,
		workerCmd,
		ingestCmd,
		auditCmd,
		adviseCmd,
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
