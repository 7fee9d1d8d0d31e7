package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gazette/pkg/datasource"
	"github.com/go-go-golems/gazette/pkg/engine"
	"github.com/go-go-golems/gazette/pkg/events"
	"github.com/go-go-golems/gazette/pkg/promptctx"
	"github.com/go-go-golems/gazette/pkg/protocol"
	"github.com/go-go-golems/gazette/pkg/quality"
	"github.com/go-go-golems/gazette/pkg/retry"
	"github.com/go-go-golems/gazette/pkg/runloop"
	"github.com/go-go-golems/gazette/pkg/schema"
	"github.com/go-go-golems/gazette/pkg/sqlcheck"
	"github.com/go-go-golems/gazette/pkg/stages"
	"github.com/go-go-golems/gazette/pkg/tools"
	"github.com/go-go-golems/gazette/pkg/turns"
)

const (
	defaultTopK = 5

	// transcriptWindow bounds how many trailing messages the per-turn prompt
	// carries; transcriptMessageCap bounds each message's rendered length.
	transcriptWindow     = 10
	transcriptMessageCap = 1500
)

// Analyzer drives one placeholder through the report pipeline: SQL
// generation, execution with the hybrid retry strategy, chart generation and
// document generation. One Analyzer is safe for concurrent runs; all run
// state lives in per-run values.
type Analyzer struct {
	eng      engine.Engine
	provider *schema.Provider
	runner   datasource.Runner
	manager  *stages.Manager
	scorer   *quality.Scorer
	store    PlaceholderStore
	codec    protocol.Codec
	cfg      runloop.Config
	topK     int
	now      func() time.Time
}

type Option func(*Analyzer)

func WithEngine(eng engine.Engine) Option {
	return func(a *Analyzer) { a.eng = eng }
}

func WithProvider(provider *schema.Provider) Option {
	return func(a *Analyzer) { a.provider = provider }
}

func WithRunner(runner datasource.Runner) Option {
	return func(a *Analyzer) { a.runner = runner }
}

func WithStageManager(manager *stages.Manager) Option {
	return func(a *Analyzer) { a.manager = manager }
}

func WithScorer(scorer *quality.Scorer) Option {
	return func(a *Analyzer) { a.scorer = scorer }
}

func WithStore(store PlaceholderStore) Option {
	return func(a *Analyzer) { a.store = store }
}

func WithRunConfig(cfg runloop.Config) Option {
	return func(a *Analyzer) { a.cfg = cfg }
}

// WithTopK sets how many tables each turn's schema retrieval surfaces.
func WithTopK(topK int) Option {
	return func(a *Analyzer) {
		if topK > 0 {
			a.topK = topK
		}
	}
}

func New(opts ...Option) (*Analyzer, error) {
	a := &Analyzer{
		scorer: quality.NewScorer(),
		store:  NewStaticStore(),
		codec:  protocol.NewCodec(),
		cfg:    runloop.NewConfig(),
		topK:   defaultTopK,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	if a.eng == nil {
		return nil, errors.New("pipeline: engine is nil")
	}
	if a.provider == nil {
		return nil, errors.New("pipeline: schema provider is nil")
	}
	if a.runner == nil {
		return nil, errors.New("pipeline: datasource runner is nil")
	}
	if a.manager == nil {
		manager, err := stages.NewManager()
		if err != nil {
			return nil, err
		}
		a.manager = manager
	}
	return a, nil
}

// Outcome is the terminal result of one pipeline run. Non-success statuses
// keep whatever stages completed, so callers can accept a partial result.
type Outcome struct {
	Success  bool
	SQL      string
	FixedSQL string
	Rows     *datasource.Result
	Chart    string
	Document string
	Scores   map[string]quality.Snapshot
	Status   string
	Guidance string
	Metadata map[string]string
}

// run is the mutable state of one pipeline execution.
type run struct {
	req       Request
	info      *PlaceholderInfo
	start     string
	end       string
	execCtx   *turns.ExecutionContext
	toolbox   *Toolbox
	full      tools.Registry
	tracker   *quality.Tracker
	out       *Outcome
	execStats string
}

func (r *run) meta(stage stages.Stage, turn int) events.EventMetadata {
	return events.EventMetadata{
		RunID:         r.execCtx.RunID,
		CorrelationID: r.execCtx.CorrelationID,
		Stage:         stage.String(),
		Turn:          turn,
	}
}

func (r *run) promptData() stages.PromptData {
	return stages.PromptData{
		Placeholder: r.req.Placeholder,
		Intent:      r.info.Intent,
		Objective:   r.info.Objective,
		TimeWindow:  r.timeWindow(),
	}
}

func (r *run) timeWindow() string {
	if r.info.TimeWindow != "" {
		return r.info.TimeWindow
	}
	return r.start + " to " + r.end
}

// Analyze runs the pipeline for one request, publishing the event stream to
// the sinks carried by ctx. Domain failures (bad SQL, stuck loops, exhausted
// iteration caps) come back as a non-success Outcome; the error return is
// reserved for misconfiguration and prompt assembly failures.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Outcome, error) {
	info, err := a.store.Lookup(ctx, req.Placeholder)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: resolve placeholder")
	}
	start, end := req.Window(a.now())

	execCtx := turns.NewExecutionContext(req.UserID, req.DataSourceID)
	toolbox := NewToolbox(a.provider, a.runner)
	toolbox.SetWindow(start, end)
	full, err := toolbox.Registry()
	if err != nil {
		return nil, err
	}

	r := &run{
		req:     req,
		info:    info,
		start:   start,
		end:     end,
		execCtx: execCtx,
		toolbox: toolbox,
		full:    full,
		tracker: quality.NewTracker(),
		out: &Outcome{
			Scores:   map[string]quality.Snapshot{},
			Metadata: map[string]string{},
		},
	}
	r.out.Metadata["run_id"] = execCtx.RunID
	r.out.Metadata["correlation_id"] = execCtx.CorrelationID
	r.out.Metadata["window"] = start + ".." + end

	log.Info().
		Str("run_id", execCtx.RunID).
		Str("placeholder", req.Placeholder).
		Str("data_source", req.DataSourceID).
		Str("window", start+".."+end).
		Msg("pipeline: run started")

	state := turns.NewState(a.cfg.MaxIterations)

	if req.StageHint != "" {
		return a.analyzeSingleStage(ctx, r, state)
	}
	return a.analyzeAll(ctx, r, state)
}

// analyzeSingleStage honors a stage hint by running just that stage and
// mapping its output onto the matching Outcome field. No SQL is executed.
func (a *Analyzer) analyzeSingleStage(ctx context.Context, r *run, state turns.State) (*Outcome, error) {
	hint, err := stages.Parse(r.req.StageHint)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: stage hint")
	}

	content, res, state, err := a.runStage(ctx, r, hint, state, r.promptData())
	if err != nil {
		return nil, err
	}
	if res.Status != runloop.StatusSuccess {
		return a.finalize(ctx, r, hint, state.Counter, string(res.Status), res.Guidance), nil
	}

	switch hint {
	case stages.SQLGeneration, stages.SQLValidation:
		r.out.SQL = content
		r.out.FixedSQL = a.staticFix(ctx, content)
	case stages.ChartGeneration:
		r.out.Chart = content
	default:
		r.out.Document = content
	}
	return a.finalize(ctx, r, hint, state.Counter, string(runloop.StatusSuccess), ""), nil
}

// analyzeAll runs the full sequence. One immutable state value threads
// through every stage, so the iteration cap covers the run as a whole and
// switching stages never resets the counter.
func (a *Analyzer) analyzeAll(ctx context.Context, r *run, state turns.State) (*Outcome, error) {
	sql, res, state, err := a.runStage(ctx, r, stages.SQLGeneration, state, r.promptData())
	if err != nil {
		return nil, err
	}
	if res.Status != runloop.StatusSuccess {
		return a.finalize(ctx, r, stages.SQLGeneration, state.Counter, string(res.Status), res.Guidance), nil
	}
	r.out.SQL = sql
	r.out.FixedSQL = a.staticFix(ctx, sql)

	rows, state, failed, err := a.execute(ctx, r, state)
	if err != nil {
		return nil, err
	}
	if failed != nil {
		return failed, nil
	}
	r.out.Rows = rows
	r.toolbox.SetResult(rows)
	r.execStats = execStats(rows)

	if rows != nil && !rows.Empty() {
		data := r.promptData()
		data.DataPreview = datasource.Preview(rows, defaultPreviewRows)

		chart, res, next, err := a.runStage(ctx, r, stages.ChartGeneration, state, data)
		if err != nil {
			return nil, err
		}
		state = next
		if res.Status != runloop.StatusSuccess {
			return a.finalize(ctx, r, stages.ChartGeneration, state.Counter, string(res.Status), res.Guidance), nil
		}
		r.out.Chart = chart
	} else {
		log.Info().Str("run_id", r.execCtx.RunID).Msg("pipeline: query returned no rows, skipping chart")
		r.out.Metadata["chart_skipped"] = "no rows"
	}

	data := r.promptData()
	data.SQL = r.out.FixedSQL
	data.Chart = r.out.Chart
	if rows != nil {
		data.DataPreview = datasource.Preview(rows, defaultPreviewRows)
	}

	doc, res, state, err := a.runStage(ctx, r, stages.DocumentGeneration, state, data)
	if err != nil {
		return nil, err
	}
	if res.Status != runloop.StatusSuccess {
		return a.finalize(ctx, r, stages.DocumentGeneration, state.Counter, string(res.Status), res.Guidance), nil
	}
	r.out.Document = doc

	return a.finalize(ctx, r, stages.DocumentGeneration, state.Counter, string(runloop.StatusSuccess), ""), nil
}

// execute runs the accepted SQL through the hybrid retry strategy: the first
// attempt executes the statically fixed statement as-is; a downstream failure
// triggers exactly one regeneration through the validation stage, which is
// the only attempt allowed to probe the live database. A non-nil failed
// outcome means the run is over.
func (a *Analyzer) execute(ctx context.Context, r *run, state turns.State) (rows *datasource.Result, next turns.State, failed *Outcome, err error) {
	next = state
	executed := sqlcheck.SubstitutePlaceholders(r.out.FixedSQL, r.start, r.end)

	var regenTerminal *runloop.Result
	unit := retry.Unit{
		Generate: func(gctx context.Context, rc *retry.RetryContext) (string, error) {
			if rc == nil {
				return executed, nil
			}

			r.toolbox.RearmProbe()
			data := r.promptData()
			data.SQL = rc.OriginalSQL
			data.ErrorInfo = fmt.Sprintf("%s: %s", rc.ErrorType, rc.ErrorMessage)

			repaired, res, st, rerr := a.runStage(gctx, r, stages.SQLValidation, next, data)
			next = st
			if rerr != nil {
				return "", rerr
			}
			if res.Status != runloop.StatusSuccess {
				regenTerminal = res
				return "", errors.Errorf("recovery stage ended with status %s", res.Status)
			}

			r.out.SQL = repaired
			r.out.FixedSQL = a.staticFix(gctx, repaired)
			return sqlcheck.SubstitutePlaceholders(r.out.FixedSQL, r.start, r.end), nil
		},
		RunSQL: func(qctx context.Context, stmt string) error {
			res, qerr := a.runner.Query(qctx, stmt)
			if qerr != nil {
				return qerr
			}
			rows = res
			return nil
		},
	}

	outcome, err := retry.New().Execute(ctx, unit)
	if err != nil {
		var terminal *retry.Error
		if errors.As(err, &terminal) {
			guidance := retryGuidance(terminal)
			events.PublishToContext(ctx, events.NewErrorEvent(r.meta(stages.SQLValidation, next.Counter),
				terminal.Classification.String(), terminal.Cause.Error(), guidance))
			return nil, next, a.finalize(ctx, r, stages.SQLValidation, next.Counter, string(runloop.StatusFailed), guidance), nil
		}
		if regenTerminal != nil {
			return nil, next, a.finalize(ctx, r, stages.SQLValidation, next.Counter, string(regenTerminal.Status), regenTerminal.Guidance), nil
		}
		return nil, next, nil, err
	}

	r.out.Metadata["executed_sql"] = outcome.SQL
	r.out.Metadata["sql_attempts"] = strconv.Itoa(outcome.Attempts)
	if outcome.Regenerated {
		r.out.Metadata["sql_regenerated"] = "true"
	}
	return rows, next, nil, nil
}

func retryGuidance(e *retry.Error) string {
	if e.Classification.Infrastructure() {
		return fmt.Sprintf("the query failed with a %s error; the SQL was not regenerated, check the data source connection and credentials before re-running", e.Classification)
	}
	return fmt.Sprintf("the query still failed after one regeneration (%s); inspect the statement and the schema before re-running", e.Classification)
}

// runStage drives one stage's agent loop until its quality bar is met or the
// controller reports a terminal condition. The returned content has any
// surrounding code fence stripped; the returned state carries the advanced
// turn counter back to the caller.
func (a *Analyzer) runStage(ctx context.Context, r *run, stage stages.Stage, state turns.State, data stages.PromptData) (string, *runloop.Result, turns.State, error) {
	spec, ok := a.manager.Spec(stage)
	if !ok {
		return "", nil, state, errors.Errorf("pipeline: no stage spec for %s", stage)
	}

	r.execCtx.SetMeta("stage", stage.String())
	events.PublishToContext(ctx, events.NewStageStartEvent(r.meta(stage, state.Counter), stage.String()))
	log.Info().
		Str("run_id", r.execCtx.RunID).
		Str("stage", stage.String()).
		Int("turn", state.Counter).
		Msg("pipeline: stage started")

	reg := a.manager.Registry(stage, r.full)
	header := a.staticHeader(reg, spec.TokenBudget)

	builder := func(bctx context.Context, lr *runloop.Run) (string, error) {
		return a.buildPrompt(bctx, r, stage, data, header, spec.TokenBudget, lr)
	}

	ctrl := runloop.New(
		runloop.WithEngine(a.eng),
		runloop.WithRegistry(reg),
		runloop.WithCodec(a.codec),
		runloop.WithConfig(a.cfg),
		runloop.WithPromptBuilder(builder),
	)

	var seed []turns.Message
	for {
		res, err := ctrl.Run(ctx, r.execCtx, state, seed)
		if err != nil {
			return "", nil, state, err
		}
		state = res.State
		if res.Status != runloop.StatusSuccess {
			return "", res, state, nil
		}

		candidate := stripFence(res.Content)
		snap := a.scorer.Score(ctx, stage.String(), candidate, a.scoreEnv(ctx, stage, candidate, r))
		snap.Turn = state.Counter
		r.tracker.Record(snap)
		r.out.Scores[stage.String()] = snap
		events.PublishToContext(ctx, events.NewQualityScoreEvent(r.meta(stage, state.Counter),
			snap.Score, snap.Threshold, snap.Dimensions, snap.Issues))

		if !r.tracker.ShouldContinue(snap, state) {
			if !snap.Met() {
				log.Warn().
					Str("stage", stage.String()).
					Float64("score", snap.Score).
					Float64("threshold", snap.Threshold).
					Msg("pipeline: accepting candidate below threshold")
			}
			events.PublishToContext(ctx, events.NewStageCompleteEvent(r.meta(stage, state.Counter), stage.String(), candidate))
			return candidate, res, state, nil
		}

		log.Debug().
			Str("stage", stage.String()).
			Float64("score", snap.Score).
			Float64("threshold", snap.Threshold).
			Int("turn", state.Counter).
			Msg("pipeline: quality below threshold, trying again")
		seed = turns.AppendMessages(res.Messages, turns.NewSystemMessage(qualityFeedback(snap)))
		state = state.Next()
	}
}

// staticHeader assembles the fixed prompt sections once per stage entry: the
// response contract and, when the stage has tools, the rendered catalog.
func (a *Analyzer) staticHeader(reg tools.Registry, budget int) string {
	comps := []promptctx.Component{
		{Name: "contract", Content: a.codec.ContractSection(), Priority: promptctx.PriorityCritical},
	}
	if defs := reg.List(); len(defs) > 0 {
		comps = append(comps, promptctx.Component{
			Name:     "catalog",
			Content:  a.codec.CatalogSection(defs),
			Priority: promptctx.PriorityHigh,
		})
	}
	return promptctx.New(budget).Assemble(comps).Text
}

// buildPrompt composes the full text for one model call: static header, the
// stage task rendered with this turn's fresh schema retrieval, and the
// trailing transcript window.
func (a *Analyzer) buildPrompt(ctx context.Context, r *run, stage stages.Stage, data stages.PromptData, header string, budget int, lr *runloop.Run) (string, error) {
	data.SchemaContext = a.schemaBlock(ctx, r, stage, data)
	task, err := a.manager.RenderPrompt(stage, data)
	if err != nil {
		return "", err
	}

	comps := []promptctx.Component{
		{Name: "task", Content: task, Priority: promptctx.PriorityCritical},
	}
	if transcript := renderTranscript(lr.Messages); transcript != "" {
		comps = append(comps, promptctx.Component{
			Name:     "transcript",
			Content:  transcript,
			Priority: promptctx.PriorityHigh,
		})
	}
	dynamic := promptctx.New(budget).Assemble(comps).Text

	if header == "" {
		return dynamic, nil
	}
	return header + "\n\n" + dynamic, nil
}

// schemaBlock retrieves the tables most relevant to the placeholder and
// formats them for the stage, folding in the stage-specific extra sections.
func (a *Analyzer) schemaBlock(ctx context.Context, r *run, stage stages.Stage, data stages.PromptData) string {
	query := strings.TrimSpace(r.info.Description + " " + r.info.Intent)
	docs, err := a.provider.Retrieve(ctx, query, a.topK)
	if err != nil {
		log.Warn().Err(err).Str("stage", stage.String()).Msg("pipeline: schema retrieval failed")
	}
	return schema.FormatContext(stage.String(), docs, schema.Extras{
		ErrorInfo:      data.ErrorInfo,
		DataPreview:    data.DataPreview,
		ExecutionStats: r.execStats,
	})
}

// scoreEnv builds the scoring environment. SQL stages get the schemas of the
// tables the candidate references, so the reference dimension measures the
// candidate against real metadata.
func (a *Analyzer) scoreEnv(ctx context.Context, stage stages.Stage, candidate string, r *run) quality.Env {
	env := quality.Env{StartDate: r.start, EndDate: r.end}
	if stage != stages.SQLGeneration && stage != stages.SQLValidation {
		return env
	}

	tableRefs, _ := sqlcheck.ExtractReferences(candidate)
	names := make([]string, 0, len(tableRefs))
	for _, tr := range tableRefs {
		names = append(names, tr.Name)
	}
	schemas, err := a.provider.SchemaMap(ctx, names)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: schema lookup for scoring failed")
		return env
	}
	env.Schemas = schemas
	return env
}

// staticFix repairs the accepted SQL without touching the database: wrong
// table/column references are rewritten from the validator's suggestions and
// quoted placeholder tokens are unquoted.
func (a *Analyzer) staticFix(ctx context.Context, sql string) string {
	tableRefs, _ := sqlcheck.ExtractReferences(sql)
	names := make([]string, 0, len(tableRefs))
	for _, tr := range tableRefs {
		names = append(names, tr.Name)
	}

	schemas, err := a.provider.SchemaMap(ctx, names)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: schema lookup for auto-fix failed")
	} else {
		report := sqlcheck.Validate(sql, schemas)
		if !report.Valid {
			fixed, changes := sqlcheck.AutoFix(sql, report)
			if len(changes) > 0 {
				log.Info().Int("changes", len(changes)).Msg("pipeline: auto-fixed SQL references")
				sql = fixed
			}
		}
	}

	fixed, changes := sqlcheck.FixQuotedPlaceholders(sql)
	if len(changes) > 0 {
		log.Info().Int("changes", len(changes)).Msg("pipeline: unquoted placeholder tokens")
		sql = fixed
	}
	return sql
}

func (a *Analyzer) finalize(ctx context.Context, r *run, stage stages.Stage, turn int, status, guidance string) *Outcome {
	r.out.Status = status
	r.out.Guidance = guidance
	r.out.Success = status == string(runloop.StatusSuccess)
	events.PublishToContext(ctx, events.NewFinishEvent(r.meta(stage, turn), status, r.bestOutput()))
	log.Info().
		Str("run_id", r.execCtx.RunID).
		Str("status", status).
		Bool("success", r.out.Success).
		Msg("pipeline: run finished")
	return r.out
}

// bestOutput picks the most finished artifact for the terminal event.
func (r *run) bestOutput() string {
	switch {
	case r.out.Document != "":
		return r.out.Document
	case r.out.Chart != "":
		return r.out.Chart
	case r.out.FixedSQL != "":
		return r.out.FixedSQL
	default:
		return r.out.SQL
	}
}

func qualityFeedback(snap quality.Snapshot) string {
	msg := fmt.Sprintf("the previous answer scored %.2f against a threshold of %.2f; fix these issues and finish again",
		snap.Score, snap.Threshold)
	if len(snap.Issues) > 0 {
		msg += ": " + strings.Join(snap.Issues, "; ")
	}
	return msg
}

func execStats(res *datasource.Result) string {
	if res == nil {
		return ""
	}
	s := fmt.Sprintf("%d rows, %d columns, %s", len(res.Rows), len(res.Columns), res.Duration.Round(time.Millisecond))
	if res.Truncated {
		s += " (truncated by the row cap)"
	}
	return s
}

// renderTranscript folds the trailing conversation into plain text so the
// single-prompt model sees its own tool results. Long messages are cut.
func renderTranscript(messages []turns.Message) string {
	if len(messages) == 0 {
		return ""
	}

	elided := false
	if len(messages) > transcriptWindow {
		messages = messages[len(messages)-transcriptWindow:]
		elided = true
	}

	var sb strings.Builder
	sb.WriteString("## Conversation so far\n\n")
	if elided {
		sb.WriteString("(earlier messages elided)\n\n")
	}
	for _, m := range messages {
		content := m.Content
		if len(content) > transcriptMessageCap {
			content = content[:transcriptMessageCap] + " ...(truncated)"
		}
		if m.Role == turns.RoleTool {
			fmt.Fprintf(&sb, "[tool %s] %s\n\n", m.Name, content)
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n\n", m.Role, content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// stripFence removes one surrounding markdown code fence, which models add
// around SQL and JSON even when told not to.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[1 : len(lines)-1]
	} else {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Run executes Analyze while collecting the event stream, so callers without
// their own sinks still get the terminal outcome plus an event count.
func (a *Analyzer) Run(ctx context.Context, req Request) (*Outcome, error) {
	sink := events.NewChannelSink(256)
	done := make(chan int, 1)
	go func() {
		count := 0
		for range sink.Events() {
			count++
		}
		done <- count
	}()

	out, err := a.Analyze(events.WithSinks(ctx, sink), req)
	sink.Close()
	count := <-done
	if out != nil {
		out.Metadata["events"] = strconv.Itoa(count)
	}
	return out, err
}
