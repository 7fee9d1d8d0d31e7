package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/gazette/pkg/datasource"
	"github.com/go-go-golems/gazette/pkg/engine"
	"github.com/go-go-golems/gazette/pkg/events"
	"github.com/go-go-golems/gazette/pkg/pipeline"
	"github.com/go-go-golems/gazette/pkg/quality"
	"github.com/go-go-golems/gazette/pkg/runloop"
	"github.com/go-go-golems/gazette/pkg/schema"
)

const eventsTopic = "pipeline.events"

func newRunCmd() *cobra.Command {
	var (
		dsn          string
		driver       string
		dataSourceID string
		user         string
		stageHint    string
		startDate    string
		endDate      string

		providerName string
		model        string
		apiKey       string
		baseURL      string

		deepValidation bool
		maxIterations  int
		maxRows        int
		queryTimeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [placeholder]",
		Short: "Generate a report section for one placeholder",
		Long: `Run the generation pipeline for a placeholder: SQL generation, execution
with one self-correcting retry, chart generation and document generation.
Events stream to stderr as structured logs; the final document prints to
stdout, rendered as markdown when stdout is a terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := engine.NewSettings()
			if providerName == "" {
				providerName = viper.GetString("provider")
			}
			if providerName != "" {
				settings.Provider = providerName
			}
			settings.Model = model
			if apiKey == "" {
				apiKey = viper.GetString("api-key")
			}
			settings.APIKey = apiKey
			settings.BaseURL = baseURL

			eng, err := engine.NewEngineFromSettings(settings)
			if err != nil {
				return err
			}

			runner, err := datasource.Open(driver, dsn,
				datasource.WithMaxRows(maxRows),
				datasource.WithTimeout(queryTimeout))
			if err != nil {
				return err
			}
			defer func() { _ = runner.Close() }()

			schemaProvider := schema.NewProvider(dataSourceID,
				schema.NewSQLFetcher(runner, schema.DialectForDriver(driver)))

			opts := []pipeline.Option{
				pipeline.WithEngine(eng),
				pipeline.WithProvider(schemaProvider),
				pipeline.WithRunner(runner),
				pipeline.WithRunConfig(runloop.NewConfig().WithMaxIterations(maxIterations)),
			}
			if deepValidation {
				opts = append(opts, pipeline.WithScorer(quality.NewScorer(quality.WithDeepValidation(runner))))
			}
			analyzer, err := pipeline.New(opts...)
			if err != nil {
				return err
			}

			req := pipeline.Request{
				Placeholder:  args[0],
				DataSourceID: dataSourceID,
				UserID:       user,
				StageHint:    stageHint,
				StartDate:    startDate,
				EndDate:      endDate,
			}

			router, err := events.NewRouter()
			if err != nil {
				return err
			}
			defer func() { _ = router.Close() }()
			router.AddEventHandler("console", eventsTopic, logEvent)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var out *pipeline.Outcome
			eg := errgroup.Group{}
			eg.Go(func() error {
				defer cancel()
				return router.Run(ctx)
			})
			eg.Go(func() error {
				defer cancel()
				<-router.Running()
				var aerr error
				out, aerr = analyzer.Analyze(events.WithSinks(ctx, router.Sink(eventsTopic)), req)
				return aerr
			})
			if err := eg.Wait(); err != nil {
				return err
			}

			if !out.Success {
				return errors.Errorf("run ended with status %s: %s", out.Status, out.Guidance)
			}
			return printOutcome(cmd, out)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Database DSN (required)")
	cmd.Flags().StringVar(&driver, "driver", "mysql", "Database driver (mysql, sqlite3)")
	cmd.Flags().StringVar(&dataSourceID, "datasource", "default", "Data source identifier")
	cmd.Flags().StringVar(&user, "user", "", "User id recorded on the run")
	cmd.Flags().StringVar(&stageHint, "stage", "", "Run a single stage instead of the full pipeline")
	cmd.Flags().StringVar(&startDate, "start-date", "", "Reporting window start (YYYY-MM-DD, default 30 days ago)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "Reporting window end (YYYY-MM-DD, default today)")

	cmd.Flags().StringVar(&providerName, "provider", "", "Model provider (openai, ollama)")
	cmd.Flags().StringVar(&model, "model", "", "Model name (provider default when empty)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Provider API key (or GAZETTE_API_KEY)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Provider base URL override")

	cmd.Flags().BoolVar(&deepValidation, "deep-validation", false, "Probe accepted SQL against the live database during scoring")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 10, "Turn budget for the whole run")
	cmd.Flags().IntVar(&maxRows, "max-rows", 1000, "Row cap per query")
	cmd.Flags().DurationVar(&queryTimeout, "query-timeout", 30*time.Second, "Per-query deadline")

	_ = cmd.MarkFlagRequired("dsn")

	return cmd
}

// logEvent writes one structured stderr line per pipeline event.
func logEvent(e events.Event) {
	meta := e.Metadata()
	l := log.With().
		Str("run_id", meta.RunID).
		Str("stage", meta.Stage).
		Int("turn", meta.Turn).
		Logger()

	switch ev := e.(type) {
	case *events.EventStageStart:
		l.Info().Msg("stage started")
	case *events.EventToolCall:
		l.Info().Str("tool", ev.Name).Str("input", ev.Input).Msg("tool call")
	case *events.EventToolResult:
		if ev.Error != "" {
			l.Warn().Str("tool", ev.Name).Str("error", ev.Error).Msg("tool failed")
			return
		}
		l.Debug().Str("tool", ev.Name).Msg("tool result")
	case *events.EventQualityScore:
		l.Info().
			Float64("score", ev.Score).
			Float64("threshold", ev.Threshold).
			Strs("issues", ev.Issues).
			Msg("quality score")
	case *events.EventStageComplete:
		l.Info().Msg("stage complete")
	case *events.EventError:
		l.Error().Str("kind", ev.Kind).Str("guidance", ev.Guidance).Msg(ev.Message)
	case *events.EventFinish:
		l.Info().Str("status", ev.Status).Msg("run finished")
	default:
		l.Debug().Str("type", string(e.Type())).Msg("event")
	}
}

// printOutcome writes the run's best artifact to stdout. Stage-hinted runs
// stop before the document, so fall back to the chart or the SQL.
func printOutcome(cmd *cobra.Command, out *pipeline.Outcome) error {
	log.Info().
		Str("executed_sql", out.Metadata["executed_sql"]).
		Str("attempts", out.Metadata["sql_attempts"]).
		Msg("run succeeded")

	doc := out.Document
	if doc == "" {
		switch {
		case out.Chart != "":
			doc = "```json\n" + out.Chart + "\n```"
		case out.FixedSQL != "":
			doc = "```sql\n" + out.FixedSQL + "\n```"
		default:
			return nil
		}
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		styled, err := glamour.Render(doc, "dark")
		if err == nil {
			fmt.Fprint(cmd.OutOrStdout(), styled)
			return nil
		}
		log.Warn().Err(err).Msg("markdown rendering failed, printing raw")
	}
	fmt.Fprintln(cmd.OutOrStdout(), doc)
	return nil
}
