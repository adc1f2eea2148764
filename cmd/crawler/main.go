// Package main is the entry point for the movie crawl CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Simerblur/online-data-mining/internal/config"
	"github.com/Simerblur/online-data-mining/internal/crawler"
	"github.com/Simerblur/online-data-mining/internal/export"
	"github.com/Simerblur/online-data-mining/internal/pipeline"
	"github.com/Simerblur/online-data-mining/pkg/logger"
	"github.com/Simerblur/online-data-mining/pkg/shutdown"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// CrawlOptions holds the flags shared by the crawl commands.
type CrawlOptions struct {
	MaxMovies  int
	MaxReviews int
	MaxCast    int
	Resume     bool
	Upload     bool
	OutputDir  string
	NoProgress bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &CrawlOptions{}

	rootCmd := &cobra.Command{
		Use:           "crawler",
		Short:         "Movie data crawler",
		Long:          "Crawls IMDb, Box Office Mojo, Metacritic and Rotten Tomatoes into a relational store and exports a movie dataset.",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.IntVar(&opts.MaxMovies, "max-movies", 0, "Maximum number of movies per phase (default from CRAWL_MAX_MOVIES)")
	flags.IntVar(&opts.MaxReviews, "max-reviews", -1, "Maximum reviews per movie, 0 disables reviews (default from CRAWL_MAX_REVIEWS)")
	flags.IntVar(&opts.MaxCast, "max-cast", 0, "Maximum billed cast per movie (default from CRAWL_MAX_CAST)")
	flags.BoolVar(&opts.Resume, "resume", false, "Retry failed sub-resources of partial movies first")
	flags.BoolVar(&opts.Upload, "upload", false, "Upload the export and run report to object storage")
	flags.StringVarP(&opts.OutputDir, "output", "o", "", "Output directory for exports (default from CRAWL_OUTPUT_DIR)")
	flags.BoolVar(&opts.NoProgress, "no-progress", false, "Disable progress bars")

	rootCmd.AddCommand(newCrawlCmd(opts))
	rootCmd.AddCommand(newRunAllCmd(opts))
	rootCmd.AddCommand(newExportCmd(opts))
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newKeysCmd())

	return rootCmd.ExecuteContext(context.Background())
}

// newCrawlCmd creates the crawl subcommand.
func newCrawlCmd(opts *CrawlOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "crawl <imdb|boxoffice|metacritic|rottentomatoes>",
		Short:     "Run one crawl phase",
		ValidArgs: []string{crawler.PhaseIMDb, crawler.PhaseBoxOffice, crawler.PhaseMetacritic, crawler.PhaseRottenTomatoes},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		Example: `  # Discover and store the 50 most voted feature films
  crawler crawl imdb --max-movies=50

  # Complete partial movies from earlier runs, then continue the listing
  crawler crawl imdb --resume

  # Add Box Office Mojo financials to stored movies
  crawler crawl boxoffice

  # Add Tomatometer scores and reviews to stored movies
  crawler crawl rottentomatoes --max-reviews=20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), opts, args)
		},
	}
}

// newRunAllCmd creates the run-all subcommand.
func newRunAllCmd(opts *CrawlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run IMDb, then the enrichment phases, then export",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), opts, nil)
		},
	}
}

// newExportCmd creates the export subcommand.
func newExportCmd(opts *CrawlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the movie dataset as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts.Upload, func(ctx context.Context, a *app) error {
				_, err := a.export(ctx, opts, uuid.New().String())
				return err
			})
		},
	}
}

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored row counts and per-phase crawl status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				return printStatus(ctx, a.p.Store())
			})
		},
	}
}

// newKeysCmd creates the keys subcommand.
func newKeysCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List stored movies with their identifiers on each source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				refs, err := a.p.Store().ExistingMovieKeys(ctx, limit)
				if err != nil {
					return err
				}
				printKeys(refs)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of movies to list, 0 for all")
	return cmd
}

type app struct {
	cfg *config.Config
	log *logger.Logger
	p   *pipeline.Pipeline
}

// withApp loads configuration, builds the pipeline and runs fn with a
// context that is cancelled on SIGINT or SIGTERM.
func withApp(ctx context.Context, objects bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
		Output:    os.Stderr,
	})
	log.SetDefault()

	sh := shutdown.New(log.Logger, time.Duration(cfg.App.ShutdownTimeout)*time.Second)
	ctx, cancel := sh.SignalContext(ctx)
	defer cancel()

	p, err := pipeline.New(ctx, cfg, log, pipeline.Options{Events: true, Objects: objects})
	if err != nil {
		return err
	}
	sh.RegisterNamed("pipeline", func(context.Context) error { return p.Close() })
	defer func() {
		if err := sh.Shutdown(); err != nil {
			log.WithError(err).Warn("cleanup failed")
		}
	}()

	return fn(ctx, &app{cfg: cfg, log: log, p: p})
}

// runCrawl runs the named phases, or all of them when names is empty, and
// prints the reports. A hard stop still prints the reports and exports what
// was stored before returning the error.
func runCrawl(ctx context.Context, opts *CrawlOptions, names []string) error {
	return withApp(ctx, opts.Upload, func(ctx context.Context, a *app) error {
		runID := uuid.New().String()
		limits := a.limits(opts)
		bars := newBars(limits.MaxMovies, opts.NoProgress)

		run := a.p.NewRun(runID, bars.tick)
		defer run.Close()

		a.log.Info("starting crawl",
			"run_id", runID,
			"phases", names,
			"max_movies", limits.MaxMovies,
			"max_reviews", limits.MaxReviews,
			"resume", limits.Resume,
		)

		var (
			reports []crawler.Report
			err     error
		)
		if len(names) == 0 {
			reports, err = crawler.RunAll(ctx, a.p.Store(), run.IMDb, run.Enrichment(), limits, a.log)
		} else {
			phase, perr := run.Phase(names[0])
			if perr != nil {
				return perr
			}
			var rep crawler.Report
			rep, err = phase.Run(ctx, limits)
			reports = []crawler.Report{rep}
		}
		bars.finish()

		printReports(reports)
		a.uploadReports(ctx, opts, runID, reports)

		if len(names) == 0 && !errors.Is(err, crawler.ErrNoMovies) {
			if _, xerr := a.export(ctx, opts, runID); xerr != nil {
				a.log.WithError(xerr).Error("export failed")
			}
		}
		return err
	})
}

func (a *app) limits(opts *CrawlOptions) crawler.Limits {
	l := crawler.LimitsFrom(a.cfg.Crawl)
	if opts.MaxMovies > 0 {
		l.MaxMovies = opts.MaxMovies
	}
	if opts.MaxReviews >= 0 {
		l.MaxReviews = opts.MaxReviews
	}
	if opts.MaxCast > 0 {
		l.MaxCast = opts.MaxCast
	}
	l.Resume = opts.Resume
	return l
}

func (a *app) outputDir(opts *CrawlOptions) string {
	if opts.OutputDir != "" {
		return opts.OutputDir
	}
	return a.cfg.Crawl.OutputDir
}

// export writes movies.csv to the output directory and, with --upload,
// to object storage. It returns the local path.
func (a *app) export(ctx context.Context, opts *CrawlOptions, runID string) (string, error) {
	data, n, err := export.Movies(ctx, a.p.Store())
	if err != nil {
		return "", err
	}

	dir := a.outputDir(opts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, "movies.csv")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	a.log.Info("export written", "path", path, "movies", n)
	fmt.Printf("Exported %d movies to %s\n", n, path)

	if opts.Upload {
		objects := a.p.Objects()
		if objects == nil {
			return path, errors.New("--upload needs STORAGE_ENABLED=true")
		}
		url, err := export.Upload(ctx, objects, runID, "movies.csv", data)
		if err != nil {
			return path, err
		}
		a.log.Info("export uploaded", "url", url)
	}
	return path, nil
}

func (a *app) uploadReports(ctx context.Context, opts *CrawlOptions, runID string, reports []crawler.Report) {
	if !opts.Upload || a.p.Objects() == nil {
		return
	}
	url, err := export.UploadReports(ctx, a.p.Objects(), runID, reports)
	if err != nil {
		a.log.WithError(err).Warn("failed to upload run report")
		return
	}
	a.log.Info("run report uploaded", "url", url)
}
