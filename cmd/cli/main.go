package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tcshrink/adapters/api"
	"tcshrink/adapters/postgres"
	"tcshrink/adapters/stats/noise"
	"tcshrink/adapters/stats/standardize"
	"tcshrink/adapters/table"
	"tcshrink/app"
	"tcshrink/internal"
	"tcshrink/internal/config"
	"tcshrink/internal/errors"
	"tcshrink/internal/simulate"
	"tcshrink/ports"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "tcshrink",
		Short:         "Time-stratified local FDR shrinkage for expression timecourses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newNoiseCmd(),
		newSimulateCmd(),
		newServeCmd(),
		newMigrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error [%s]: %v\n", errors.FromDomain(err).Code, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and opens the logger
func loadConfig() (*config.Config, *internal.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, internal.NewLogger(internal.ParseLogLevel(cfg.LogLevel)), nil
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if !cfg.Enabled() {
		return nil, errors.ConfigInvalid("DATABASE_URL is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URL)
	if err != nil {
		return nil, errors.DatabaseError("failed to connect to database", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

type columnFlags struct {
	feature, conditions, time, value, featureVar, conditionVar, replicate string
}

func (c *columnFlags) register(cmd *cobra.Command) {
	d := table.DefaultColumnMap()
	cmd.Flags().StringVar(&c.feature, "feature-col", d.Feature, "Feature column")
	cmd.Flags().StringVar(&c.conditions, "condition-cols", strings.Join(d.Condition, ","), "Comma-separated condition columns, joined into one key")
	cmd.Flags().StringVar(&c.time, "time-col", d.Time, "Time column")
	cmd.Flags().StringVar(&c.value, "value-col", d.Value, "Value column")
	cmd.Flags().StringVar(&c.featureVar, "feature-var-col", d.FeatureVariance, "Feature variance column")
	cmd.Flags().StringVar(&c.conditionVar, "condition-var-col", d.ConditionVariance, "Condition variance column")
	cmd.Flags().StringVar(&c.replicate, "replicate-col", d.Replicate, "Replicate number column")
}

func (c *columnFlags) columnMap() table.ColumnMap {
	var conditions []string
	for _, part := range strings.Split(c.conditions, ",") {
		if part = strings.TrimSpace(part); part != "" {
			conditions = append(conditions, part)
		}
	}
	return table.ColumnMap{
		Feature:           c.feature,
		Condition:         conditions,
		Time:              c.time,
		Value:             c.value,
		FeatureVariance:   c.featureVar,
		ConditionVariance: c.conditionVar,
		Replicate:         c.replicate,
	}
}

// registerPipelineFlags binds the pipeline tunables; applyPipelineFlags copies only
// the ones set on the command line over the environment.
func registerPipelineFlags(cmd *cobra.Command, p *config.PipelineConfig) {
	cmd.Flags().Float64Var(&p.Lambda, "lambda", p.Lambda, "p-value threshold of the null proxy")
	cmd.Flags().IntVar(&p.MinObservations, "min-observations", p.MinObservations, "Minimum rows for the null fraction fit")
	cmd.Flags().StringVar(&p.Pi0Method, "pi0-method", p.Pi0Method, "Null fraction smoother: glm or stratified")
	cmd.Flags().Float64Var(&p.Pi0Floor, "pi0-floor", p.Pi0Floor, "Lower bound on the null fraction")
	cmd.Flags().Float64Var(&p.Bandwidth, "bandwidth", p.Bandwidth, "KDE bandwidth (0 = Silverman)")
	cmd.Flags().StringVar(&p.DensityScope, "density-scope", p.DensityScope, "global or stratum p-value density")
	cmd.Flags().IntVar(&p.Workers, "workers", p.Workers, "Strata processed concurrently")
	cmd.Flags().Float64Var(&p.LFDRThreshold, "lfdr-threshold", p.LFDRThreshold, "Discovery threshold for the summary")
}

func applyPipelineFlags(cmd *cobra.Command, flags config.PipelineConfig, dst *config.PipelineConfig) {
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("lambda", func() { dst.Lambda = flags.Lambda })
	set("min-observations", func() { dst.MinObservations = flags.MinObservations })
	set("pi0-method", func() { dst.Pi0Method = flags.Pi0Method })
	set("pi0-floor", func() { dst.Pi0Floor = flags.Pi0Floor })
	set("bandwidth", func() { dst.Bandwidth = flags.Bandwidth })
	set("density-scope", func() { dst.DensityScope = flags.DensityScope })
	set("workers", func() { dst.Workers = flags.Workers })
	set("lfdr-threshold", func() { dst.LFDRThreshold = flags.LFDRThreshold })
}

func newRunCmd() *cobra.Command {
	var out, noiseModelPath string
	var persist bool
	var columns columnFlags
	pipeline := config.DefaultPipelineConfig()

	cmd := &cobra.Command{
		Use:   "run [observations]",
		Short: "Standardize, fit the null fraction and shrink every observation",
		Long: `Run the full pipeline over a table of fold-change observations.

The input may be CSV, TSV or XLSX. Variance columns are read from the file unless
--noise-model supplies them.

Example: tcshrink run observations.tsv --out results.tsv --density-scope stratum`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			applyPipelineFlags(cmd, pipeline, &cfg.Pipeline)

			obs, err := table.NewReader(args[0], columns.columnMap(), logger).ReadObservations()
			if err != nil {
				return err
			}
			req := app.Request{Observations: obs}
			if noiseModelPath != "" {
				if req.NoiseModel, err = table.ReadNoiseModel(noiseModelPath); err != nil {
					return err
				}
			}

			var repo ports.ResultRepository
			if persist {
				db, err := openDB(cmd.Context(), cfg.Database)
				if err != nil {
					return err
				}
				defer db.Close()
				repo = postgres.NewResultRepository(db)
			}

			result, err := app.NewShrinkageService(cfg.Pipeline, repo, logger).Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			if out != "" {
				if err := table.WriteResults(out, result.Results); err != nil {
					return err
				}
			}

			fmt.Printf("run %s (fingerprint %s)\n", result.RunID, result.Fingerprint)
			fmt.Printf("null fraction: method=%s global=%.4f\n", result.Fit.Method, result.Fit.Global)
			fmt.Print(result.Summary.String())
			if len(result.Unmatched) > 0 {
				fmt.Printf("%d feature/condition pairs had no noise estimate\n", len(result.Unmatched))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Result table (CSV, TSV or XLSX)")
	cmd.Flags().StringVar(&noiseModelPath, "noise-model", "", "Noise model written by the noise command")
	cmd.Flags().BoolVar(&persist, "persist", false, "Store the run in DATABASE_URL")
	columns.register(cmd)
	registerPipelineFlags(cmd, &pipeline)
	return cmd
}

func newNoiseCmd() *cobra.Command {
	var out, observationsOut string
	var minReplicates int
	var columns columnFlags

	cmd := &cobra.Command{
		Use:   "noise [replicates]",
		Short: "Estimate feature and condition variance components from replicates",
		Long: `Estimate the noise model from replicate measurements.

With --observations the replicates are also collapsed into fold changes against
the earliest time, with variances attached, ready for the run command.

Example: tcshrink noise replicates.tsv --out noise.tsv --observations obs.tsv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			reps, err := table.NewReader(args[0], columns.columnMap(), logger).ReadReplicates()
			if err != nil {
				return err
			}
			cfg := noise.DefaultConfig()
			cfg.MinReplicates = minReplicates
			model, report, err := noise.Estimate(reps, cfg)
			if err != nil {
				return err
			}
			logger.Info("noise model: %d features, %d conditions from %d/%d cells (%d skipped, %d iterations)",
				report.Features, report.Conditions, report.UsableCells, report.Cells, report.SkippedCells, report.Iterations)

			if err := table.WriteNoiseModel(out, model); err != nil {
				return err
			}
			if observationsOut != "" {
				obs, err := noise.Summarize(reps)
				if err != nil {
					return err
				}
				obs, unmatched := standardize.Attach(obs, model)
				if len(unmatched) > 0 {
					logger.Warn("%d feature/condition pairs have no noise estimate", len(unmatched))
				}
				if err := table.WriteObservations(observationsOut, obs); err != nil {
					return err
				}
			}
			fmt.Printf("wrote %s (%d features, %d conditions)\n", out, report.Features, report.Conditions)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "noise.tsv", "Noise model table")
	cmd.Flags().StringVar(&observationsOut, "observations", "", "Also write summarised observations here")
	cmd.Flags().IntVar(&minReplicates, "min-replicates", noise.DefaultConfig().MinReplicates, "Minimum replicates per cell")
	columns.register(cmd)
	return cmd
}

func newSimulateCmd() *cobra.Command {
	var out, truthOut string
	cfg := simulate.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate a synthetic replicate timecourse with known responders",
		Long: `Simulate a scale-free regulatory network driven by a step input and write
noisy replicate measurements.

Example: tcshrink simulate --genes 500 --seed 7 --out replicates.tsv --truth truth.tsv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := simulate.NewGenerator(cfg).Generate()
			if err != nil {
				return errors.WithCode(errors.CodeInvalidInput, err)
			}
			if err := table.WriteReplicates(out, ds.Replicates); err != nil {
				return err
			}
			if truthOut != "" {
				f, err := os.Create(truthOut)
				if err != nil {
					return err
				}
				defer f.Close()
				fmt.Fprintln(f, "feature\tresponding")
				for gene := 0; gene < cfg.Genes; gene++ {
					id := simulate.GeneID(gene)
					fmt.Fprintf(f, "%s\t%t\n", id, ds.Truth[id])
				}
			}
			fmt.Printf("wrote %d replicates for %d genes (%d network edges, %d responding)\n",
				len(ds.Replicates), cfg.Genes, ds.Network.Edges, len(ds.Truth))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "replicates.tsv", "Replicate table")
	cmd.Flags().StringVar(&truthOut, "truth", "", "Write the responding genes here")
	cmd.Flags().IntVar(&cfg.Genes, "genes", cfg.Genes, "Number of genes")
	cmd.Flags().IntVar(&cfg.EdgesPerNode, "edges", cfg.EdgesPerNode, "Edges added per new gene")
	cmd.Flags().IntVar(&cfg.Drivers, "drivers", cfg.Drivers, "Genes receiving the step input")
	cmd.Flags().IntVar(&cfg.Replicates, "replicates", cfg.Replicates, "Replicates per cell")
	cmd.Flags().Float64SliceVar(&cfg.Times, "times", cfg.Times, "Sample times")
	cmd.Flags().Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the shrinkage API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var repo ports.ResultRepository
			if cfg.Database.Enabled() {
				db, err := openDB(ctx, cfg.Database)
				if err != nil {
					return err
				}
				defer db.Close()
				results := postgres.NewResultRepository(db)
				if err := results.EnsureSchema(ctx); err != nil {
					return err
				}
				repo = results
			} else {
				logger.Warn("DATABASE_URL not set; runs are not persisted")
			}

			service := app.NewShrinkageService(cfg.Pipeline, repo, logger)
			return api.NewServer(service, cfg.Server, logger).ListenAndServe(ctx)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the result tables in DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := openDB(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.NewResultRepository(db).EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema is up to date")
			return nil
		},
	}
}
