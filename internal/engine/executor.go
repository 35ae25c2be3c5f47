package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/budget"
	"github.com/ChamsBouzaiene/taskloop/internal/loopdetect"
	"github.com/ChamsBouzaiene/taskloop/internal/memory"
	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
	"github.com/ChamsBouzaiene/taskloop/internal/taskstore"
)

// Options wires an Executor. Zero values fall back to defaults.
type Options struct {
	Config Config
	Budget budget.Config
	Loop   loopdetect.Config
	Memory memory.Config
	Rules  []phase.Rule
	Phases map[phase.Phase]phase.Config
	Hooks  Hooks
	Logger *slog.Logger
	// Guidance is workspace-specific text added to every system prompt.
	Guidance string
	// Writer, when set, takes the commits off the step path.
	Writer *taskstore.AsyncWriter
}

// CreateOptions seeds a new task.
type CreateOptions struct {
	ID        string
	Workspace string
}

// Executor runs the control loop of one task at a time. It is not safe for
// concurrent use.
type Executor struct {
	cfg      Config
	opts     Options
	llm      LLMClient
	handlers *HandlerRegistry
	store    *taskstore.Store
	hooks    Hooks
	logger   *slog.Logger

	st      *taskstore.TaskState
	machine *phase.Machine
	budget  *budget.Controller
	memory  *memory.WorkingMemory
	recent  []task.ActionRecord
}

// New creates an executor. Call Create or Load before stepping.
func New(llm LLMClient, handlers *HandlerRegistry, store *taskstore.Store, opts Options) (*Executor, error) {
	if llm == nil {
		return nil, errors.New("llm client is required")
	}
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Budget.InitialSteps == 0 {
		opts.Budget = budget.DefaultConfig()
	}
	if err := opts.Budget.Validate(); err != nil {
		return nil, err
	}
	if opts.Memory.Capacity == 0 {
		opts.Memory = memory.DefaultConfig()
	}
	if err := opts.Memory.Validate(); err != nil {
		return nil, err
	}
	if opts.Rules == nil {
		opts.Rules = phase.DefaultRules()
	}
	if opts.Phases == nil {
		opts.Phases = phase.DefaultConfigs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      opts.Config,
		opts:     opts,
		llm:      llm,
		handlers: handlers,
		store:    store,
		hooks:    opts.Hooks,
		logger:   logger.With("component", "executor"),
	}, nil
}

// State returns the live task state. Callers must not modify it.
func (e *Executor) State() *taskstore.TaskState { return e.st }

// Memory returns the working memory of the loaded task.
func (e *Executor) Memory() *memory.WorkingMemory { return e.memory }

func (e *Executor) fresh() {
	e.machine = phase.New(e.opts.Rules, e.opts.Phases)
	e.budget = budget.New(e.opts.Budget, loopdetect.New(e.opts.Loop))
	e.memory = memory.New(e.opts.Memory)
	e.recent = nil
}

// Create starts a new task for goal and makes it the executor's task.
func (e *Executor) Create(goal string, opts CreateOptions) (*taskstore.TaskState, error) {
	e.fresh()
	st, err := e.store.Create(opts.ID, goal, taskstore.CreateOptions{
		Workspace: opts.Workspace,
		Phase:     e.machine.ToState(),
		Budget:    e.budget.State(),
		Memory:    e.memory.Snapshot(),
	})
	if err != nil {
		return nil, err
	}
	e.st = st
	return st, nil
}

// Load restores task id: phase, budget, memory and the detector-visible
// history. Uncommitted records are cut from its log, so only the task's
// runner may call it. The next step continues at Step+1.
func (e *Executor) Load(id string) error {
	st, err := e.store.Recover(id)
	if err != nil {
		return err
	}
	e.fresh()
	wrap := func(op string, err error) error {
		return &EngineContextError{Err: fatalError(err), Step: st.Step, Phase: st.Phase.Current, Operation: op}
	}
	if err := e.machine.FromState(st.Phase); err != nil {
		return wrap("restore_phase", err)
	}
	if err := e.memory.Restore(st.Memory); err != nil {
		return wrap("restore_memory", err)
	}
	records, err := e.store.Actions(id, 0)
	if err != nil {
		return wrap("restore_history", err)
	}
	var visible []task.ActionRecord
	for _, r := range records {
		if r.Seq > st.Budget.HistoryFrom {
			visible = append(visible, r)
		}
	}
	if err := e.budget.Restore(st.Budget, visible); err != nil {
		return wrap("restore_budget", err)
	}
	if n := len(records) - e.cfg.RecentActions; n > 0 {
		records = records[n:]
	}
	e.recent = records
	e.st = st
	e.logger.Info("task loaded", "task", id, "step", st.Step, "phase", st.Phase.Current, "status", st.Status)
	return nil
}

// Resume loads task id and runs it to a terminal status.
func (e *Executor) Resume(ctx context.Context, id string) (StepOutcome, error) {
	if err := e.Load(id); err != nil {
		return StepOutcome{}, err
	}
	return e.Run(ctx)
}

// Run steps until the task reaches a terminal status or an error stops it.
func (e *Executor) Run(ctx context.Context) (StepOutcome, error) {
	if e.st == nil {
		return StepOutcome{}, errors.New("no task loaded")
	}
	out, err := e.run(ctx)
	if e.opts.Writer != nil {
		if ferr := e.opts.Writer.Flush(); ferr != nil && err == nil {
			err = e.fatal("flush", "", ferr)
			out.Status = task.StatusFatalError
		}
	}
	return out, err
}

func (e *Executor) run(ctx context.Context) (StepOutcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return StepOutcome{Status: e.st.Status}, fmt.Errorf("execution cancelled: %w", err)
		}
		out, err := e.Step(ctx)
		if err != nil || out.Terminal() {
			return out, err
		}
	}
}

// Step runs one iteration of the control loop.
func (e *Executor) Step(ctx context.Context) (StepOutcome, error) {
	st := e.st
	if st == nil {
		return StepOutcome{}, errors.New("no task loaded")
	}
	if st.Status.Terminal() {
		return StepOutcome{Status: st.Status, Reason: st.StatusReason}, nil
	}
	e.hooks.OnStepStart(ctx, st)
	if spent, reason, det := e.budget.Spent(); spent {
		return e.deny(ctx, reason, det)
	}

	msgs := BuildMessages(e.promptInput(), e.cfg.ContextTokens)
	e.hooks.OnBeforeLLM(ctx, st, msgs)
	comp, err := RetryLLMCall(ctx, e.cfg.Retry, e.llm, msgs, func(attempt int, delay time.Duration, err error) {
		e.hooks.OnRetryAttempt(ctx, st, attempt, e.cfg.Retry.MaxRetries, delay, err)
	})
	if err != nil {
		if IsRetryExhausted(err) {
			e.hooks.OnRetryExhausted(ctx, st, err)
		}
		st.LastError = err.Error()
		if serr := e.save(); serr != nil {
			return StepOutcome{Status: task.StatusFatalError}, e.fatal("save", "", serr)
		}
		return StepOutcome{Status: st.Status, Err: true}, &EngineContextError{
			Err: err, Step: st.Step + 1, Phase: st.Phase.Current, Operation: "llm_call",
		}
	}
	e.hooks.OnAfterLLM(ctx, st, comp)
	e.accountTokens(msgs, comp)

	action, err := ParseAction(comp.Text)
	if err == nil {
		err = e.validate(action)
	}
	if err != nil {
		return e.reject(ctx, action, err)
	}
	e.hooks.OnAction(ctx, st, action)

	if !action.Kind.Terminal() {
		if ok, reason, det := e.budget.CheckContinue(); !ok {
			return e.deny(ctx, reason, det)
		}
	}
	return e.execute(ctx, action)
}

func (e *Executor) accountTokens(msgs []ChatMessage, c Completion) {
	u := c.Usage
	if u.Total == 0 {
		u.Prompt = estimate(msgs)
		u.Completion = estimate([]ChatMessage{{Content: c.Text}})
		u.Total = u.Prompt + u.Completion
	}
	e.st.Tokens.Prompt += u.Prompt
	e.st.Tokens.Completion += u.Completion
	e.st.Tokens.Total += u.Total
	e.budget.AddTokens(u.Total)
}

// validate checks the kind is known, allowed in the phase and has valid
// params.
func (e *Executor) validate(a Action) error {
	if !a.Kind.Known() {
		return &ValidationError{Kind: a.Kind, Errors: []string{
			fmt.Sprintf("unknown action %q; choose one of: %s", a.Kind, joinKinds(e.allowedKinds())),
		}}
	}
	if !e.machine.Allows(a.Kind) {
		return &ValidationError{Kind: a.Kind, Errors: []string{
			fmt.Sprintf("%s is not allowed in phase %s; allowed: %s", a.Kind, e.machine.Current(), joinKinds(e.allowedKinds())),
		}}
	}
	if a.Kind.Builtin() {
		return validateBuiltin(a)
	}
	h, ok := e.handlers.Get(a.Kind)
	if !ok {
		return &ValidationError{Kind: a.Kind, Errors: []string{fmt.Sprintf("no handler is registered for %s", a.Kind)}}
	}
	return h.ValidateParams(a.Params)
}

func validateBuiltin(a Action) error {
	var msgs []string
	switch a.Kind {
	case task.ActionNote:
		if strings.TrimSpace(a.Param("content")) == "" {
			msgs = append(msgs, "content is required")
		}
	case task.ActionSetPhase:
		if _, ok := phase.Parse(strings.TrimSpace(a.Param("phase"))); !ok {
			msgs = append(msgs, fmt.Sprintf("unknown phase %q", a.Param("phase")))
		}
	}
	if len(msgs) > 0 {
		return &ValidationError{Kind: a.Kind, Errors: msgs}
	}
	return nil
}

// reject records a response that could not be turned into a valid action
// and queues corrective feedback. The budget check runs after the record so
// that a model emitting only garbage still stops.
func (e *Executor) reject(ctx context.Context, a Action, cause error) (StepOutcome, error) {
	rec := task.ActionRecord{
		Seq:       e.st.Step + 1,
		Kind:      task.ActionInvalid,
		Result:    "invalid: " + cause.Error(),
		Timestamp: time.Now().UTC(),
		Phase:     string(e.machine.Current()),
	}
	var feedback string
	var verr *ValidationError
	if errors.As(cause, &verr) && verr.Kind.Known() {
		rec.Kind = verr.Kind
		rec.Params = a.Params
		feedback = fmt.Sprintf("Your %s action was rejected: %s. Fix the action and try again.",
			verr.Kind, strings.Join(verr.Errors, "; "))
	} else {
		if a.Kind != "" {
			rec.Params = map[string]string{"action": string(a.Kind)}
		}
		feedback = "Your last response could not be used: " + cause.Error() + ". " + actionFormat
	}
	e.hooks.OnActionResult(ctx, e.st, rec)

	e.machine.RecordStep(phase.StepInfo{})
	e.budget.UpdateProgress(budget.Outcome{Record: rec})
	e.st.Feedback = []string{feedback}

	out := StepOutcome{Status: task.StatusRunning, Action: a, Record: rec, Err: true}
	e.noteDetection(ctx, &out)
	if ok, reason, det := e.budget.CheckContinue(); !ok {
		e.stop(ctx, reason, det)
		out.Status, out.Reason, out.Detection = e.st.Status, reason, det
	}
	if err := e.commit(rec); err != nil {
		return StepOutcome{Status: task.StatusFatalError}, e.fatal("commit", rec.Kind, err)
	}
	e.remember(rec)
	if out.Terminal() {
		e.hooks.OnDone(ctx, e.st, out)
	}
	return out, nil
}

// deny ends the task because the budget controller refused another step.
func (e *Executor) deny(ctx context.Context, reason string, det loopdetect.Detection) (StepOutcome, error) {
	e.hooks.OnBudgetDenied(ctx, e.st, reason, det)
	e.stop(ctx, reason, det)
	if err := e.save(); err != nil {
		return StepOutcome{Status: task.StatusFatalError}, e.fatal("save", "", err)
	}
	out := StepOutcome{Status: e.st.Status, Detection: det, Reason: reason}
	e.hooks.OnDone(ctx, e.st, out)
	return out, nil
}

// stop moves the task to budget_exhausted or escalated with the detection's
// suggestions attached.
func (e *Executor) stop(ctx context.Context, reason string, det loopdetect.Detection) {
	st := e.st
	if reason == budget.ReasonExhausted {
		st.Status = task.StatusBudgetExhausted
	} else {
		st.Status = task.StatusEscalated
		if r, ok := e.machine.TransitionRule(phase.Escalate, e.snapshot(false, true)); ok {
			e.hooks.OnTransition(ctx, st, r)
		}
	}
	st.StatusReason = reason
	if len(det.Suggestions) > 0 {
		st.Suggestions = det.Suggestions
	}
	st.Phase = e.machine.ToState()
	st.Budget = e.budget.State()
	e.saveEscalation(reason)
}

// execute dispatches a validated action and records its outcome.
func (e *Executor) execute(ctx context.Context, a Action) (StepOutcome, error) {
	st := e.st
	rec := task.ActionRecord{
		Seq:    st.Step + 1,
		Kind:   a.Kind,
		Params: a.Params,
		Phase:  string(e.machine.Current()),
	}
	out := StepOutcome{Status: task.StatusRunning, Action: a}

	var result string
	var success bool
	if a.Kind.Builtin() {
		result, success = e.builtin(ctx, a, &out)
	} else {
		h, _ := e.handlers.Get(a.Kind)
		text, err := call(ctx, h, a.Params, e.cfg.HandlerTimeout)
		switch {
		case err != nil:
			result, success = "error: "+err.Error(), false
		default:
			result, success = text, !loopdetect.Failed(text)
		}
	}
	rec.Result = clipMiddle(result, 4*e.cfg.ResultChars)
	rec.Success = success
	rec.Modified = success && a.Kind.Modifies()
	rec.Timestamp = time.Now().UTC()

	learned := e.learn(a, rec)
	rec.FactsLearned = learned
	out.Facts = learned

	verification := Verification(a, result)
	if verification != task.VerificationUnknown {
		st.Verification = verification
		st.VerificationDetail = firstLine(result)
	}
	if rec.Modified {
		st.Modifications++
	}
	e.machine.RecordStep(phase.StepInfo{Modified: rec.Modified, Verification: verification})
	e.hooks.OnActionResult(ctx, st, rec)

	if !out.Terminal() {
		if r, ok := e.machine.Advance(e.snapshot(false, false)); ok {
			out.Transition = &r
			e.hooks.OnTransition(ctx, st, r)
			if r.Reset {
				if !e.budget.Reset() {
					e.logger.Warn("budget reset refused", "task", st.ID, "resets", e.budget.State().Resets)
				}
			}
			if r.To == phase.Complete {
				st.Status = task.StatusCompleted
				st.Result = firstNonEmpty(st.VerificationDetail, "verification passed")
				out.Status = st.Status
			}
		}
	}

	e.budget.UpdateProgress(budget.Outcome{Record: rec, Result: result})
	e.noteDetection(ctx, &out)
	st.Feedback = nil
	if !success && a.Kind == task.ActionSetPhase {
		st.Feedback = []string{result}
	}
	if out.Terminal() {
		e.saveResult(a, out.Status)
	}

	out.Record = rec
	if err := e.commit(rec); err != nil {
		return StepOutcome{Status: task.StatusFatalError}, e.fatal("commit", rec.Kind, err)
	}
	e.remember(rec)
	if out.Terminal() {
		e.hooks.OnDone(ctx, st, out)
	}
	return out, nil
}

// builtin executes the kinds the executor owns.
func (e *Executor) builtin(ctx context.Context, a Action, out *StepOutcome) (string, bool) {
	st := e.st
	switch a.Kind {
	case task.ActionNote:
		return "noted: " + strings.TrimSpace(a.Param("content")), true

	case task.ActionSetPhase:
		target, _ := phase.Parse(strings.TrimSpace(a.Param("phase")))
		from := e.machine.Current()
		if target == from {
			return fmt.Sprintf("error: already in phase %s", from), false
		}
		r, ok := e.machine.TransitionRule(target, e.snapshot(false, false))
		if !ok {
			return fmt.Sprintf("error: cannot move from %s to %s yet; reachable now: %s",
				from, target, joinPhases(e.machine.AvailableTransitions(e.snapshot(false, false)))), false
		}
		out.Transition = &r
		e.hooks.OnTransition(ctx, st, r)
		if r.Reset && !e.budget.Reset() {
			e.logger.Warn("budget reset refused", "task", st.ID)
		}
		return fmt.Sprintf("phase changed from %s to %s", from, target), true

	case task.ActionComplete:
		summary := firstNonEmpty(a.Param("summary"), a.Reasoning, "task complete")
		if r, ok := e.machine.TransitionRule(phase.Complete, e.snapshot(true, false)); ok {
			out.Transition = &r
			e.hooks.OnTransition(ctx, st, r)
		}
		st.Status = task.StatusCompleted
		st.Result = summary
		out.Status = st.Status
		return "completed: " + summary, true

	case task.ActionEscalate, task.ActionCannotFix:
		reason := firstNonEmpty(a.Param("reason"), a.Reasoning, "no reason given")
		if r, ok := e.machine.TransitionRule(phase.Escalate, e.snapshot(false, true)); ok {
			out.Transition = &r
			e.hooks.OnTransition(ctx, st, r)
		}
		st.Status = task.StatusEscalated
		if a.Kind == task.ActionCannotFix {
			st.Status = task.StatusCannotFix
		}
		st.StatusReason = reason
		out.Status, out.Reason = st.Status, reason
		return string(a.Kind) + ": " + reason, true
	}
	return fmt.Sprintf("error: %s is not a built-in action", a.Kind), false
}

// learn stores the facts and memory items of one executed action and
// returns how many facts were new.
func (e *Executor) learn(a Action, rec task.ActionRecord) int {
	learned := 0
	for _, f := range ExtractFacts(a, rec.Result, rec.Success, e.cfg.MaxSearchFacts) {
		_, added, err := e.memory.Learn(f.Category, f.Subject, f.Content, f.Confidence, rec.Seq)
		if err != nil {
			e.logger.Debug("fact dropped", "category", f.Category, "error", err)
			continue
		}
		if added {
			learned++
		}
	}
	if a.Kind == task.ActionReadFile && rec.Success {
		if _, err := e.memory.AddContext(task.CategoryFile, clip(rec.Result, e.cfg.ResultChars), 0.6); err != nil {
			e.logger.Debug("context item dropped", "error", err)
		}
	}
	conf := 0.5
	if !rec.Success {
		conf = 0.35
	}
	if _, err := e.memory.Add(memory.Item{
		Kind:       memory.KindResult,
		Category:   string(rec.Kind),
		Content:    summarize(rec, 200),
		Confidence: conf,
	}); err != nil {
		e.logger.Debug("result item dropped", "error", err)
	}
	return learned
}

func (e *Executor) noteDetection(ctx context.Context, out *StepOutcome) {
	det := e.budget.LastDetection()
	out.Detection = det
	if det.Detected() {
		e.st.Suggestions = det.Suggestions
		e.hooks.OnDetection(ctx, e.st, det)
	} else {
		e.st.Suggestions = nil
	}
}

func (e *Executor) snapshot(completion, escalation bool) phase.Snapshot {
	v := e.machine.Visit()
	return phase.Snapshot{
		FactCounts:          e.memory.Facts().Counts(),
		Modifications:       e.st.Modifications,
		PhaseModifications:  v.Modifications,
		PhaseVerification:   v.Verification,
		StepsInPhase:        v.Steps,
		CompletionRequested: completion,
		EscalationRequested: escalation,
	}
}

// sync copies the live components into the task state.
func (e *Executor) sync() {
	e.st.Phase = e.machine.ToState()
	e.st.Budget = e.budget.State()
	e.st.Memory = e.memory.Snapshot()
}

func (e *Executor) commit(rec task.ActionRecord) error {
	e.sync()
	e.st.LastError = ""
	if w := e.opts.Writer; w != nil {
		return w.Commit(e.st, rec)
	}
	return e.store.Commit(e.st, rec)
}

func (e *Executor) save() error {
	e.sync()
	if w := e.opts.Writer; w != nil {
		return w.Save(e.st)
	}
	return e.store.Save(e.st)
}

// fatal records fatal_error on the last committed state, best effort, and
// returns the wrapped error. Queued writes are drained first so the disk
// holds everything that could be committed.
func (e *Executor) fatal(op string, kind task.ActionKind, err error) error {
	st := e.st
	if w := e.opts.Writer; w != nil {
		_ = w.Flush()
	}
	st.Status = task.StatusFatalError
	st.LastError = err.Error()
	if saved, serr := e.store.MarkFatal(st.ID, st.LastError); serr != nil {
		e.logger.Error("failed to record fatal error", "task", st.ID, "error", serr)
	} else {
		st.Step, st.UpdatedAt = saved.Step, saved.UpdatedAt
	}
	return &EngineContextError{Err: fatalError(err), Step: st.Step, Phase: st.Phase.Current, Kind: kind, Operation: op}
}

func (e *Executor) remember(rec task.ActionRecord) {
	e.recent = append(e.recent, rec)
	if n := len(e.recent) - e.cfg.RecentActions; n > 0 {
		e.recent = append([]task.ActionRecord(nil), e.recent[n:]...)
	}
}

const (
	resultArtifact     = "result.md"
	escalationArtifact = "escalation.md"
)

func (e *Executor) saveResult(a Action, status task.Status) {
	if status != task.StatusCompleted {
		e.saveEscalation(e.st.StatusReason)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", e.st.Goal, e.st.Result)
	if u := e.memory.CompactFor(e.st.Goal); !u.Empty() {
		fmt.Fprintf(&b, "\n%s", u.String())
	}
	e.addArtifact(resultArtifact, b.String())
}

func (e *Executor) saveEscalation(reason string) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\nStatus: %s\nReason: %s\n", e.st.Goal, e.st.Status, reason)
	if len(e.st.Suggestions) > 0 {
		b.WriteString("\n## Suggestions\n")
		for _, s := range e.st.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if u := e.memory.CompactFor(e.st.Goal); !u.Empty() {
		fmt.Fprintf(&b, "\n%s", u.String())
	}
	e.addArtifact(escalationArtifact, b.String())
}

func (e *Executor) addArtifact(name, content string) {
	if !e.cfg.SaveArtifacts {
		return
	}
	if err := e.store.SaveArtifact(e.st.ID, name, []byte(content)); err != nil {
		e.logger.Warn("artifact not saved", "task", e.st.ID, "name", name, "error", err)
		return
	}
	for _, existing := range e.st.Artifacts {
		if existing == name {
			return
		}
	}
	e.st.Artifacts = append(e.st.Artifacts, name)
}

// promptInput gathers what the next prompt is built from.
func (e *Executor) promptInput() PromptInput {
	st := e.st
	in := PromptInput{
		Goal:        st.Goal,
		Guidance:    e.opts.Guidance,
		Phase:       e.machine.Current(),
		PhaseDesc:   e.machine.Config(e.machine.Current()).Description,
		Feedback:    st.Feedback,
		Suggestions: st.Suggestions,
		Remaining:   e.budget.Remaining(),
	}
	for _, k := range e.allowedKinds() {
		if doc, ok := builtinDocs[k]; ok {
			in.Actions = append(in.Actions, doc)
			continue
		}
		h, _ := e.handlers.Get(k)
		in.Actions = append(in.Actions, ActionDoc{Kind: k, Description: h.Description, Schema: compactJSON(h.SchemaJSON)})
	}
	if u := e.memory.CompactFor(st.Goal); !u.Empty() {
		in.Understanding = u.String()
	}
	for _, it := range e.memory.ItemsOfKind(memory.KindContext) {
		in.Context = append(in.Context, it.Content)
	}
	for _, r := range e.recent {
		in.Recent = append(in.Recent, summarize(r, e.cfg.ResultChars/4))
	}
	return in
}

// allowedKinds lists the kinds the model may propose now: allowed in the
// phase and either built in or backed by a handler.
func (e *Executor) allowedKinds() []task.ActionKind {
	var out []task.ActionKind
	for _, k := range task.Kinds() {
		if !e.machine.Allows(k) {
			continue
		}
		if _, ok := e.handlers.Get(k); ok || k.Builtin() {
			out = append(out, k)
		}
	}
	return out
}

func compactJSON(s string) string {
	if s == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}

func joinKinds(ks []task.ActionKind) string {
	parts := make([]string, len(ks))
	for i, k := range ks {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

func joinPhases(ps []phase.Phase) string {
	if len(ps) == 0 {
		return "none"
	}
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "\n... [truncated]"
}

// clipMiddle keeps the head and the larger tail of s, where tool output
// puts its summary.
func clipMiddle(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	head := n / 4
	tail := n - head
	return s[:head] + "\n... [truncated] ...\n" + s[len(s)-tail:]
}
