package formula

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
)

// Stage is the execution stage of the runtime
type Stage uint8

const (
	StageIdle Stage = iota
	StageStartDependency
	StageStartCalculation
	StageCurrentlyCalculating
	StageStartDependencyArrayFormula
	StageStartCalculationArrayFormula
	StageCurrentlyCalculatingArrayFormula
	StageCalculationCompleted
)

var stageNames = [...]string{
	StageIdle:                             "IDLE",
	StageStartDependency:                  "START_DEPENDENCY",
	StageStartCalculation:                 "START_CALCULATION",
	StageCurrentlyCalculating:             "CURRENTLY_CALCULATING",
	StageStartDependencyArrayFormula:      "START_DEPENDENCY_ARRAY_FORMULA",
	StageStartCalculationArrayFormula:     "START_CALCULATION_ARRAY_FORMULA",
	StageCurrentlyCalculatingArrayFormula: "CURRENTLY_CALCULATING_ARRAY_FORMULA",
	StageCalculationCompleted:             "CALCULATION_COMPLETED",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

// DirtyRange is a region whose values must be recomputed
type DirtyRange struct {
	UnitID  string
	SheetID string
	Range   RangeAddress
}

func (d DirtyRange) reference() Reference {
	return Reference{UnitID: d.UnitID, SheetID: d.SheetID, Range: d.Range}
}

// DirtyData is what a feature reports after it ran: values for cells it
// computed and ranges that became dirty because of it
type DirtyData struct {
	RuntimeCellData map[CellKey]Primitive
	DirtyRanges     []DirtyRange
}

// DirtyDataFunc computes the dirty data of a feature node. view reads the
// values of the current execution.
type DirtyDataFunc func(ctx context.Context, node *DependencyNode, view DataReader) (*DirtyData, error)

// FeatureDependency is a dependency registered by a subsystem outside the
// formula grid, such as conditional formatting. it runs after the cells in
// Ranges have been calculated.
type FeatureDependency struct {
	FeatureID    string
	UnitID       string
	SheetID      string
	Ranges       []Reference
	GetDirtyData DirtyDataFunc
}

// NodeID identifies a dependency node: a formula cell, or a feature
type NodeID struct {
	CellKey
	FeatureID string
}

func (id NodeID) String() string {
	if id.FeatureID != "" {
		return "feature:" + id.FeatureID
	}
	return id.CellKey.String()
}

// DependencyNode is one unit of work of an execution: a formula cell with
// its AST, or a feature with its dirty-data callback
type DependencyNode struct {
	Key          CellKey
	AST          AstNode
	FeatureID    string
	FormulaID    string
	GetDirtyData DirtyDataFunc

	// Ranges are the resolved references the node reads
	Ranges   []Reference
	Volatile bool
}

// ID returns the identity of the node
func (n *DependencyNode) ID() NodeID {
	return NodeID{CellKey: n.Key, FeatureID: n.FeatureID}
}

// IsFeature reports whether the node is feature-bound
func (n *DependencyNode) IsFeature() bool {
	return n.FeatureID != ""
}

// Validate checks that exactly one of AST and GetDirtyData is set
func (n *DependencyNode) Validate() error {
	if (n.AST == nil) == (n.GetDirtyData == nil) {
		return NewApplicationError(Internal, ErrInvalidDependencyNode,
			fmt.Sprintf("dependency node %s must have exactly one of an AST and a dirty-data callback", n.ID()))
	}
	return nil
}

func (n *DependencyNode) reads(ref Reference) bool {
	for _, r := range n.Ranges {
		if r.Overlaps(ref) {
			return true
		}
	}
	return false
}

// Result is the outcome of an execution
type Result struct {
	// RuntimeData holds the value of every cell calculated by the execution
	RuntimeData map[CellKey]Primitive
	// ArrayFormulaRanges maps the anchor of every live array result to the
	// range it spills into
	ArrayFormulaRanges map[CellKey]RangeAddress
	// Spills holds the live array results, including those of anchors the
	// execution did not recalculate
	Spills map[CellKey]*ArrayValue
	// FeatureData holds the runtime cell data reported by features
	FeatureData map[string]map[CellKey]Primitive
	// DirtyRanges are the spill changes and feature dirty ranges
	DirtyRanges []DirtyRange
	// NotExecuted lists the nodes skipped because the execution was stopped
	NotExecuted []NodeID

	Cyclic   bool
	Stopped  bool
	Attempts int
}

// Snapshot is the input of an execution
type Snapshot struct {
	// DirtyRanges are the regions edited since the last execution
	DirtyRanges []DirtyRange
	// ForceCalculation recalculates every formula
	ForceCalculation bool
	// Previous is the result of the last execution. its spilled arrays
	// stay readable until their anchors are recalculated.
	Previous *Result
	// Features are calculated along with the service's registered features
	Features []*FeatureDependency
}

// previousRanges returns the spill ranges of the previous execution
func (s *Snapshot) previousRanges() map[CellKey]RangeAddress {
	if s == nil || s.Previous == nil {
		return nil
	}
	return s.Previous.ArrayFormulaRanges
}

// Progress is the state reported by progress events
type Progress struct {
	Stage                      Stage
	TotalCount                 int
	CompletedCount             int
	TotalArrayFormulaCount     int
	CompletedArrayFormulaCount int
}

type tableKey struct {
	unitID string
	text   string
}

// RuntimeState is the state of one execution. it is reset at the start of
// every Execute.
type RuntimeState struct {
	Stage   Stage
	Current *DependencyNode

	TotalCount                 int
	CompletedCount             int
	TotalArrayFormulaCount     int
	CompletedArrayFormulaCount int

	stop   atomic.Bool
	cyclic bool

	runtimeData  map[CellKey]Primitive
	arrayRanges  map[CellKey]RangeAddress // anchors calculated by this execution
	sheetArrays  map[sheetKey]map[CellKey]RangeAddress
	recomputed   map[CellKey]struct{}
	featureData  map[string]map[CellKey]Primitive
	featureDirty []DirtyRange
	notExecuted  []NodeID
	tables       map[tableKey]Reference
}

// NewRuntimeState creates an idle state
func NewRuntimeState() *RuntimeState {
	s := &RuntimeState{}
	s.Reset()
	return s
}

// Reset clears counters, flags and results
func (s *RuntimeState) Reset() {
	s.Stage = StageIdle
	s.Current = nil
	s.TotalCount, s.CompletedCount = 0, 0
	s.TotalArrayFormulaCount, s.CompletedArrayFormulaCount = 0, 0
	s.stop.Store(false)
	s.cyclic = false
	s.runtimeData = make(map[CellKey]Primitive)
	s.arrayRanges = make(map[CellKey]RangeAddress)
	s.sheetArrays = make(map[sheetKey]map[CellKey]RangeAddress)
	s.recomputed = make(map[CellKey]struct{})
	s.featureData = make(map[string]map[CellKey]Primitive)
	s.featureDirty = nil
	s.notExecuted = nil
	s.tables = make(map[tableKey]Reference)
}

// Stop requests a cooperative stop
func (s *RuntimeState) Stop() {
	s.stop.Store(true)
}

// StopRequested reports whether a stop was requested
func (s *RuntimeState) StopRequested() bool {
	return s.stop.Load()
}

// Cyclic reports whether the last dependency generation found a cycle
func (s *RuntimeState) Cyclic() bool {
	return s.cyclic
}

// SetCyclic records the cycle flag of a generation
func (s *RuntimeState) SetCyclic(cyclic bool) {
	s.cyclic = cyclic
}

// Progress returns a copy of the counters
func (s *RuntimeState) Progress() Progress {
	return Progress{
		Stage:                      s.Stage,
		TotalCount:                 s.TotalCount,
		CompletedCount:             s.CompletedCount,
		TotalArrayFormulaCount:     s.TotalArrayFormulaCount,
		CompletedArrayFormulaCount: s.CompletedArrayFormulaCount,
	}
}

// Value returns the value calculated for a cell by this execution
func (s *RuntimeState) Value(key CellKey) (Primitive, bool) {
	v, ok := s.runtimeData[key]
	return v, ok
}

// setResult records the value of a formula cell. arrays are recorded with
// their spill range.
func (s *RuntimeState) setResult(key CellKey, value Primitive, spill *RangeAddress) {
	s.runtimeData[key] = value
	s.recomputed[key] = struct{}{}
	sk := sheetKey{key.UnitID, key.SheetID}
	if spill != nil {
		s.arrayRanges[key] = *spill
		if s.sheetArrays[sk] == nil {
			s.sheetArrays[sk] = make(map[CellKey]RangeAddress)
		}
		s.sheetArrays[sk][key] = *spill
	} else {
		delete(s.arrayRanges, key)
		delete(s.sheetArrays[sk], key)
	}
}

// mergeFeature records what a feature reported
func (s *RuntimeState) mergeFeature(featureID string, data *DirtyData) {
	if data == nil {
		return
	}
	if len(data.RuntimeCellData) > 0 {
		cells := s.featureData[featureID]
		if cells == nil {
			cells = make(map[CellKey]Primitive, len(data.RuntimeCellData))
			s.featureData[featureID] = cells
		}
		for key, value := range data.RuntimeCellData {
			cells[key] = value
		}
	}
	s.featureDirty = append(s.featureDirty, data.DirtyRanges...)
}

// featureValue returns a cell value reported by a feature, in feature ID
// order
func (s *RuntimeState) featureValue(key CellKey) (Primitive, bool) {
	if len(s.featureData) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(s.featureData))
	for id := range s.featureData {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if v, ok := s.featureData[id][key]; ok {
			return v, true
		}
	}
	return nil, false
}

// arrayDirtyRanges returns the spill ranges that changed shape: for every
// anchor calculated by this execution whose range differs from the previous
// one, both the old and the new range
func (s *RuntimeState) arrayDirtyRanges(previous map[CellKey]RangeAddress) ([]DirtyRange, map[CellKey]struct{}) {
	var dirty []DirtyRange
	anchors := make(map[CellKey]struct{})
	keys := make([]CellKey, 0, len(s.recomputed))
	for key := range s.recomputed {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	for _, key := range keys {
		old, hadOld := previous[key]
		current, hasCurrent := s.arrayRanges[key]
		if hadOld == hasCurrent && old == current {
			continue
		}
		anchors[key] = struct{}{}
		if hadOld {
			dirty = append(dirty, DirtyRange{UnitID: key.UnitID, SheetID: key.SheetID, Range: old})
		}
		if hasCurrent {
			dirty = append(dirty, DirtyRange{UnitID: key.UnitID, SheetID: key.SheetID, Range: current})
		}
	}
	return dirty, anchors
}

// markNotExecuted records the nodes a stopped execution skipped
func (s *RuntimeState) markNotExecuted(nodes []*DependencyNode) {
	for _, n := range nodes {
		s.notExecuted = append(s.notExecuted, n.ID())
	}
}

// result builds the Result of the execution. spills of anchors that were
// not recalculated carry over from the previous result while the workbook
// still has their formula.
func (s *RuntimeState) result(previous *Result, wb Workbook) *Result {
	r := &Result{
		RuntimeData:        make(map[CellKey]Primitive, len(s.runtimeData)),
		ArrayFormulaRanges: make(map[CellKey]RangeAddress),
		Spills:             make(map[CellKey]*ArrayValue),
		FeatureData:        s.featureData,
		NotExecuted:        s.notExecuted,
		Cyclic:             s.cyclic,
		Stopped:            s.StopRequested(),
	}
	for key, value := range s.runtimeData {
		r.RuntimeData[key] = value
	}
	for key, rng := range s.arrayRanges {
		r.ArrayFormulaRanges[key] = rng
		r.Spills[key] = s.runtimeData[key].(*ArrayValue)
	}
	if previous != nil {
		for key, rng := range previous.ArrayFormulaRanges {
			if _, recomputed := s.recomputed[key]; recomputed {
				continue
			}
			if _, ok := wb.Formula(key.UnitID, key.SheetID, key.Row, key.Column); !ok {
				continue
			}
			if arr, ok := previous.Spills[key]; ok {
				r.ArrayFormulaRanges[key] = rng
				r.Spills[key] = arr
			}
		}
	}
	dirty, _ := s.arrayDirtyRanges(previous.ranges())
	r.DirtyRanges = append(dirty, s.featureDirty...)
	return r
}

func (r *Result) ranges() map[CellKey]RangeAddress {
	if r == nil {
		return nil
	}
	return r.ArrayFormulaRanges
}

// runtimeEnv is the Environment formulas are evaluated in during an
// execution. cells read, in order: values calculated by this execution,
// values reported by features, spills of this execution, spills of the
// previous execution whose anchor was not recalculated, the workbook.
type runtimeEnv struct {
	wb       Workbook
	state    *RuntimeState
	previous *Result

	// previous spill anchors by sheet
	previousSpills map[sheetKey][]CellKey
}

var _ Environment = (*runtimeEnv)(nil)

func newRuntimeEnv(wb Workbook, state *RuntimeState, previous *Result) *runtimeEnv {
	env := &runtimeEnv{wb: wb, state: state, previous: previous}
	if ranges := previous.ranges(); len(ranges) > 0 {
		env.previousSpills = make(map[sheetKey][]CellKey)
		for _, anchor := range sortedKeys(ranges) {
			sk := sheetKey{anchor.UnitID, anchor.SheetID}
			env.previousSpills[sk] = append(env.previousSpills[sk], anchor)
		}
	}
	return env
}

func (env *runtimeEnv) Value(unitID, sheetID string, row, col int) Primitive {
	key := CellKey{UnitID: unitID, SheetID: sheetID, Row: row, Column: col}
	if v, ok := env.state.runtimeData[key]; ok {
		if arr, isArray := v.(*ArrayValue); isArray {
			v, _ = arr.At(0, 0)
		}
		return v
	}
	if v, ok := env.state.featureValue(key); ok {
		return v
	}
	sk := sheetKey{unitID, sheetID}
	for anchor, rng := range env.state.sheetArrays[sk] {
		if rng.Contains(row, col) {
			arr := env.state.runtimeData[anchor].(*ArrayValue)
			v, _ := arr.At(row-anchor.Row, col-anchor.Column)
			return v
		}
	}
	for _, anchor := range env.previousSpills[sk] {
		if !env.previous.ArrayFormulaRanges[anchor].Contains(row, col) {
			continue
		}
		if _, recomputed := env.state.recomputed[anchor]; recomputed {
			// the anchor no longer spills here, the old value is stale
			return nil
		}
		if arr, ok := env.previous.Spills[anchor]; ok {
			v, _ := arr.At(row-anchor.Row, col-anchor.Column)
			return v
		}
	}
	return env.wb.Value(unitID, sheetID, row, col)
}

// SheetSize widens the workbook's used extent by the spills on the sheet
func (env *runtimeEnv) SheetSize(unitID, sheetID string) (int, int, bool) {
	rows, cols, ok := env.wb.SheetSize(unitID, sheetID)
	if !ok {
		return 0, 0, false
	}
	grow := func(rng RangeAddress) {
		rows, cols = max(rows, rng.EndRow+1), max(cols, rng.EndColumn+1)
	}
	sk := sheetKey{unitID, sheetID}
	for _, rng := range env.state.sheetArrays[sk] {
		grow(rng)
	}
	for _, anchor := range env.previousSpills[sk] {
		grow(env.previous.ArrayFormulaRanges[anchor])
	}
	return rows, cols, true
}

func (env *runtimeEnv) ResolveSheet(at CellKey, book, sheet string) (string, string, bool) {
	return resolveSheet(env.wb, at, book, sheet)
}

func (env *runtimeEnv) ResolveTable(at CellKey, text string) (Reference, bool) {
	ref, ok := env.state.tables[tableKey{unitID: at.UnitID, text: text}]
	return ref, ok
}

func (env *runtimeEnv) SpillAt(anchor CellKey) (*ArrayValue, bool) {
	if _, ok := env.state.arrayRanges[anchor]; ok {
		return env.state.runtimeData[anchor].(*ArrayValue), true
	}
	if _, recomputed := env.state.recomputed[anchor]; recomputed {
		return nil, false
	}
	if env.previous != nil {
		arr, ok := env.previous.Spills[anchor]
		return arr, ok
	}
	return nil, false
}

// spillBlocked reports whether an array anchored at key cannot spill into
// rng: a cell other than the anchor holds workbook content or a formula, or
// another array already spills there
func (env *runtimeEnv) spillBlocked(key CellKey, rng RangeAddress) bool {
	if rng.EndRow >= MaxRows || rng.EndColumn >= MaxColumns {
		return true
	}
	sk := sheetKey{key.UnitID, key.SheetID}
	for anchor, other := range env.state.sheetArrays[sk] {
		if anchor != key && other.Intersects(rng) {
			return true
		}
	}
	for _, anchor := range env.previousSpills[sk] {
		if _, recomputed := env.state.recomputed[anchor]; recomputed || anchor == key {
			continue
		}
		if env.previous.ArrayFormulaRanges[anchor].Intersects(rng) {
			return true
		}
	}
	for row := rng.StartRow; row <= rng.EndRow; row++ {
		for col := rng.StartColumn; col <= rng.EndColumn; col++ {
			if row == key.Row && col == key.Column {
				continue
			}
			if env.wb.Value(key.UnitID, key.SheetID, row, col) != nil {
				return true
			}
			if _, ok := env.wb.Formula(key.UnitID, key.SheetID, row, col); ok {
				return true
			}
		}
	}
	return false
}
