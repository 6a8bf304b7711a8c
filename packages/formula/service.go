package formula

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var serviceLog = commonlog.GetLogger("formula.service")

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithConfig sets the configuration. the scheduler it selects is used
// unless WithScheduler is also given.
func WithConfig(cfg Config) ServiceOption {
	return func(s *Service) {
		s.config = cfg
	}
}

// WithScheduler sets the yield point between nodes
func WithScheduler(scheduler Scheduler) ServiceOption {
	return func(s *Service) {
		s.scheduler = scheduler
	}
}

// WithReferenceLookup sets the collaborator resolving table references
func WithReferenceLookup(lookup ReferenceLookup) ServiceOption {
	return func(s *Service) {
		s.lookup = lookup
	}
}

// WithParserOptions passes options to the parser, such as defined names
func WithParserOptions(opts ...ParserOption) ServiceOption {
	return func(s *Service) {
		s.parserOpts = append(s.parserOpts, opts...)
	}
}

// Service drives recalculation: it generates the dependency order, evaluates
// every node, runs the array-formula pass and reports progress. one
// execution runs at a time.
type Service struct {
	registry   *Registry
	workbook   Workbook
	config     Config
	scheduler  Scheduler
	lookup     ReferenceLookup
	parserOpts []ParserOption

	formulas  *FormulaTable
	generator *Generator
	state     *RuntimeState
	events    *eventHub
	running   atomic.Bool

	mu       sync.Mutex
	features map[string]*FeatureDependency
	last     *Result
}

// NewService creates a service calculating workbook with the functions of
// registry
func NewService(registry *Registry, workbook Workbook, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		workbook: workbook,
		config:   DefaultConfig(),
		state:    NewRuntimeState(),
		events:   newEventHub(),
		features: make(map[string]*FeatureDependency),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.CycleReferenceCount < 1 {
		s.config.CycleReferenceCount = DefaultCycleReferenceCount
	}
	if s.scheduler == nil {
		s.scheduler = s.config.Scheduler()
	}
	s.formulas = NewFormulaTable(NewParser(registry, s.parserOpts...))
	s.generator = NewGenerator(s.formulas, workbook, s.lookup)
	return s
}

// Formulas returns the table of parsed formulas
func (s *Service) Formulas() *FormulaTable {
	return s.formulas
}

// Subscribe registers a listener for progress and completion events
func (s *Service) Subscribe(l Listener) *Subscription {
	return s.events.add(l)
}

// RegisterFeature registers a feature dependency for every following
// execution and returns its ID. an empty FeatureID gets a generated one.
func (s *Service) RegisterFeature(f FeatureDependency) string {
	if f.FeatureID == "" {
		f.FeatureID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[f.FeatureID] = &f
	return f.FeatureID
}

// UnregisterFeature removes a feature. returns false if it was not
// registered.
func (s *Service) UnregisterFeature(featureID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[featureID]; !ok {
		return false
	}
	delete(s.features, featureID)
	return true
}

func (s *Service) registeredFeatures() []*FeatureDependency {
	s.mu.Lock()
	defer s.mu.Unlock()
	features := make([]*FeatureDependency, 0, len(s.features))
	for _, f := range s.features {
		features = append(features, f)
	}
	sort.Slice(features, func(i, j int) bool { return features[i].FeatureID < features[j].FeatureID })
	return features
}

// IsRunning reports whether an execution is in progress
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// StopFormulaExecution asks the running execution to stop at the next node
// boundary. it is safe to call from any goroutine and from listeners.
func (s *Service) StopFormulaExecution() {
	s.state.Stop()
}

// LastResult returns the result of the last completed execution
func (s *Service) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Execute recalculates the workbook. the generate and evaluate pipeline is
// repeated while it reports a cycle, at most CycleReferenceCount times.
// a call made while another execution runs fails with
// ErrExecutionInProgress. stopping, through StopFormulaExecution or ctx, is
// not an error: the result reports what was and was not calculated.
func (s *Service) Execute(ctx context.Context, snap *Snapshot) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, NewApplicationError(FailedPrecondition, ErrExecutionInProgress,
			"a formula execution is already in progress")
	}
	defer s.running.Store(false)

	run := Snapshot{}
	if snap != nil {
		run = *snap
	}
	features := s.registeredFeatures()
	for _, f := range run.Features {
		if f.FeatureID == "" {
			named := *f
			named.FeatureID = uuid.NewString()
			f = &named
		}
		features = append(features, f)
	}
	run.Features = features

	id := uuid.NewString()
	state := s.state
	state.Reset()
	serviceLog.Infof("execution %s started, force=%t, %d dirty ranges", id, run.ForceCalculation, len(run.DirtyRanges))

	attempts := 0
	for attempts < s.config.CycleReferenceCount {
		attempts++
		if err := s.pass(ctx, id, &run, state); err != nil {
			state.Stage = StageIdle
			state.Current = nil
			return nil, fmt.Errorf("execution %s: %w", id, err)
		}
		if state.StopRequested() || !state.Cyclic() {
			break
		}
		serviceLog.Warningf("execution %s: cycle detected, attempt %d of %d", id, attempts, s.config.CycleReferenceCount)
	}

	if state.StopRequested() {
		// a stop seen after the last node still ends the execution idle
		if state.Stage != StageIdle {
			state.Current = nil
			s.transition(id, state, StageIdle)
		}
	} else {
		s.transition(id, state, StageCalculationCompleted)
	}
	result := state.result(run.Previous, s.workbook)
	result.Attempts = attempts

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	serviceLog.Infof("execution %s finished: %d cells, %d spills, cyclic=%t, stopped=%t",
		id, len(result.RuntimeData), len(result.ArrayFormulaRanges), result.Cyclic, result.Stopped)
	s.events.emit(Event{Kind: EventCompleted, ExecutionID: id, Progress: state.Progress(), Result: result})
	return result, nil
}

// pass runs one generate and evaluate attempt: the normal pass, then the
// array-formula pass when spills changed or features reported dirty ranges
func (s *Service) pass(ctx context.Context, id string, snap *Snapshot, state *RuntimeState) error {
	state.TotalCount, state.CompletedCount = 0, 0
	state.TotalArrayFormulaCount, state.CompletedArrayFormulaCount = 0, 0
	state.featureDirty = nil

	s.transition(id, state, StageStartDependency)
	plan, err := s.generator.Generate(ctx, snap, state)
	if err != nil {
		return s.generationFailed(ctx, id, state, err)
	}
	state.SetCyclic(plan.HasCycle)
	state.TotalCount = len(plan.Nodes)

	s.transition(id, state, StageStartCalculation)
	s.transition(id, state, StageCurrentlyCalculating)
	if err := s.run(ctx, id, snap, plan.Nodes, state, false); err != nil {
		return err
	}
	if state.StopRequested() {
		return nil
	}

	dirty, anchors := state.arrayDirtyRanges(snap.previousRanges())
	dirty = append(dirty, state.featureDirty...)
	if len(dirty) == 0 {
		return nil
	}

	s.transition(id, state, StageStartDependencyArrayFormula)
	plan, err = s.generator.GenerateArrayPass(ctx, snap, state, dirty, anchors)
	if err != nil {
		return s.generationFailed(ctx, id, state, err)
	}
	state.SetCyclic(state.Cyclic() || plan.HasCycle)
	state.TotalArrayFormulaCount = len(plan.Nodes)

	s.transition(id, state, StageStartCalculationArrayFormula)
	s.transition(id, state, StageCurrentlyCalculatingArrayFormula)
	return s.run(ctx, id, snap, plan.Nodes, state, true)
}

// generationFailed turns a cancelled generation into a stop
func (s *Service) generationFailed(ctx context.Context, id string, state *RuntimeState, err error) error {
	if ctx.Err() == nil {
		return fmt.Errorf("generate dependencies: %w", err)
	}
	state.Stop()
	s.transition(id, state, StageIdle)
	return nil
}

// run evaluates nodes in order. the stop flag is checked before each node.
func (s *Service) run(ctx context.Context, id string, snap *Snapshot, nodes []*DependencyNode, state *RuntimeState, arrayPass bool) error {
	env := newRuntimeEnv(s.workbook, state, snap.Previous)
	interp := NewInterpreter(env)

	for i, node := range nodes {
		if err := s.scheduler.Yield(ctx); err != nil {
			state.Stop()
		}
		if state.StopRequested() {
			state.markNotExecuted(nodes[i:])
			state.Current = nil
			serviceLog.Infof("execution %s stopped, %d nodes not executed", id, len(nodes)-i)
			s.transition(id, state, StageIdle)
			return nil
		}
		if err := node.Validate(); err != nil {
			return err
		}

		state.Current = node
		if err := s.evaluate(ctx, interp, env, node, state); err != nil {
			if ctx.Err() == nil {
				return err
			}
			// cancelled while awaiting, the node did not complete
			state.Stop()
			state.markNotExecuted(nodes[i : i+1])
			continue
		}
		if arrayPass {
			state.CompletedArrayFormulaCount++
		} else {
			state.CompletedCount++
		}
		s.events.emit(Event{Kind: EventProgress, ExecutionID: id, Progress: state.Progress()})
	}
	state.Current = nil
	return nil
}

func (s *Service) evaluate(ctx context.Context, interp *Interpreter, env *runtimeEnv, node *DependencyNode, state *RuntimeState) error {
	if node.IsFeature() {
		data, err := node.GetDirtyData(ctx, node, env)
		if err != nil {
			return fmt.Errorf("feature %s: %w", node.FeatureID, err)
		}
		state.mergeFeature(node.FeatureID, data)
		return nil
	}

	var value Primitive
	if IsAsync(node.AST) {
		v, err := interp.EvaluateAsync(ctx, node.AST, node.Key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			serviceLog.Warningf("%s: %s", node.Key, err)
			v = NewFormulaError(ErrorCodeOther, err.Error())
		}
		value = v
	} else {
		value = interp.Evaluate(node.AST, node.Key)
	}

	arr, ok := value.(*ArrayValue)
	if !ok {
		state.setResult(node.Key, value, nil)
		return nil
	}
	rng := arr.Extent(node.Key.Row, node.Key.Column)
	if env.spillBlocked(node.Key, rng) {
		serviceLog.Warningf("%s: spill range %s is not blank", node.Key, rng)
		state.setResult(node.Key, NewFormulaError(ErrorCodeSpill, "spill range is not blank"), nil)
		return nil
	}
	state.setResult(node.Key, arr, &rng)
	return nil
}

func (s *Service) transition(id string, state *RuntimeState, stage Stage) {
	state.Stage = stage
	serviceLog.Debugf("execution %s: %s", id, stage)
	s.events.emit(Event{Kind: EventProgress, ExecutionID: id, Progress: state.Progress()})
}

// Calculate evaluates a single formula against the workbook and returns the
// displayed value. formulas are evaluated on the first sheet of the first
// unit. text that does not tokenize fails with an error matching
// ErrLexical.
func (s *Service) Calculate(ctx context.Context, text string) (string, error) {
	at := CellKey{}
	if units := s.workbook.UnitIDs(); len(units) > 0 {
		at.UnitID = units[0]
		if sheets := s.workbook.Sheets(at.UnitID); len(sheets) > 0 {
			at.SheetID = sheets[0].ID
		}
	}
	value, _, err := s.Evaluate(ctx, text, at)
	if err != nil {
		return "", err
	}
	return FormatValue(value), nil
}

// Evaluate evaluates a single formula as if it lived at a cell, reading
// spills of the last execution. it returns the value and the AST.
func (s *Service) Evaluate(ctx context.Context, text string, at CellKey) (Primitive, AstNode, error) {
	ast, err := s.formulas.Parse(text)
	if err != nil {
		return nil, nil, NewApplicationError(InvalidArgument, err, err.Error())
	}

	state := NewRuntimeState()
	if _, err := s.generator.references(ctx, ast, at, state); err != nil {
		return nil, ast, err
	}
	interp := NewInterpreter(newRuntimeEnv(s.workbook, state, s.LastResult()))
	if IsAsync(ast) {
		value, err := interp.EvaluateAsync(ctx, ast, at)
		return value, ast, err
	}
	return interp.Evaluate(ast, at), ast, nil
}
