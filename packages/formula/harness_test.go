package formula

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUnit  = "book"
	testSheet = "s1"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

type fixedRandom struct {
	value float64
}

func (r *fixedRandom) Float64() float64 {
	return r.value
}

// testRegistry is the default catalog with a fixed clock and random source
func testRegistry() *Registry {
	clock := &fixedClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(NewBuiltins(clock, &fixedRandom{value: 0.25}).Functions()...)
}

// CalcTestCase drives a service over an in-memory workbook with one unit
// holding Sheet1
type CalcTestCase struct {
	t        *testing.T
	name     string
	workbook *MemoryWorkbook
	service  *Service
	result   *Result
	err      error
}

func NewCalcTestCase(t *testing.T, name string, opts ...ServiceOption) *CalcTestCase {
	t.Helper()
	wb := NewMemoryWorkbook()
	wb.AddUnit(testUnit, "Book1")
	_, err := wb.AddSheet(testUnit, testSheet, "Sheet1")
	require.NoError(t, err)
	return &CalcTestCase{
		t:        t,
		name:     name,
		workbook: wb,
		service:  NewService(testRegistry(), wb, opts...),
	}
}

func (tc *CalcTestCase) AddSheet(id, name string) *CalcTestCase {
	_, err := tc.workbook.AddSheet(testUnit, id, name)
	require.NoError(tc.t, err, tc.name)
	return tc
}

// cell resolves "A1" or "Sheet2!A1"
func (tc *CalcTestCase) cell(address string) CellKey {
	sheetID := testSheet
	if sheet, rest, ok := strings.Cut(address, "!"); ok {
		id, found := tc.workbook.ResolveSheet(testUnit, sheet)
		require.True(tc.t, found, "%s: unknown sheet %s", tc.name, sheet)
		sheetID, address = id, rest
	}
	row, col, err := ParseCellAddress(address)
	require.NoError(tc.t, err, tc.name)
	return CellKey{UnitID: testUnit, SheetID: sheetID, Row: row, Column: col}
}

// Set stores a value. text starting with "=" is a formula.
func (tc *CalcTestCase) Set(address string, value Primitive) *CalcTestCase {
	key := tc.cell(address)
	var err error
	if text, ok := value.(string); ok && strings.HasPrefix(text, "=") {
		err = tc.workbook.SetFormula(key.UnitID, key.SheetID, key.Row, key.Column, text)
	} else {
		err = tc.workbook.SetFormula(key.UnitID, key.SheetID, key.Row, key.Column, "")
		if err == nil {
			err = tc.workbook.SetValue(key.UnitID, key.SheetID, key.Row, key.Column, value)
		}
	}
	if err != nil {
		tc.t.Errorf("%s: Set(%s) failed: %v", tc.name, address, err)
	}
	return tc
}

func (tc *CalcTestCase) Remove(address string) *CalcTestCase {
	key := tc.cell(address)
	require.NoError(tc.t, tc.workbook.Remove(key.UnitID, key.SheetID, key.Row, key.Column), tc.name)
	return tc
}

// Run recalculates every formula
func (tc *CalcTestCase) Run() *CalcTestCase {
	return tc.execute(&Snapshot{ForceCalculation: true, Previous: tc.result})
}

// RunDirty recalculates what the changed cells affect
func (tc *CalcTestCase) RunDirty(addresses ...string) *CalcTestCase {
	snap := &Snapshot{Previous: tc.result}
	for _, address := range addresses {
		key := tc.cell(address)
		snap.DirtyRanges = append(snap.DirtyRanges, DirtyRange{
			UnitID:  key.UnitID,
			SheetID: key.SheetID,
			Range:   CellRange(key.Row, key.Column),
		})
	}
	return tc.execute(snap)
}

func (tc *CalcTestCase) execute(snap *Snapshot) *CalcTestCase {
	result, err := tc.service.Execute(context.Background(), snap)
	tc.err = err
	if err != nil {
		return tc
	}
	require.NoError(tc.t, tc.workbook.Apply(result), tc.name)
	tc.result = result
	return tc
}

func (tc *CalcTestCase) RunAndAssertNoError() *CalcTestCase {
	tc.Run()
	require.NoError(tc.t, tc.err, tc.name)
	return tc
}

// Get reads a cell the way the next execution would see it
func (tc *CalcTestCase) Get(address string) Primitive {
	key := tc.cell(address)
	env := newRuntimeEnv(tc.workbook, NewRuntimeState(), tc.result)
	return env.Value(key.UnitID, key.SheetID, key.Row, key.Column)
}

func (tc *CalcTestCase) AssertCellEq(address string, expected Primitive) *CalcTestCase {
	tc.t.Helper()
	actual := tc.Get(address)
	switch exp := expected.(type) {
	case int:
		expected = float64(exp)
	case ErrorCode:
		return tc.AssertCellErr(address, exp)
	}
	if exp, ok := expected.(float64); ok {
		act, isNumber := actual.(float64)
		if assert.True(tc.t, isNumber, "%s: cell %s = %v (%T), want %v", tc.name, address, actual, actual, expected) {
			assert.InDelta(tc.t, exp, act, 1e-10, "%s: cell %s", tc.name, address)
		}
		return tc
	}
	assert.Equal(tc.t, expected, actual, "%s: cell %s", tc.name, address)
	return tc
}

func (tc *CalcTestCase) AssertCellErr(address string, code ErrorCode) *CalcTestCase {
	tc.t.Helper()
	actual := tc.Get(address)
	ferr, ok := actual.(*FormulaError)
	if assert.True(tc.t, ok, "%s: cell %s = %v, want error %v", tc.name, address, actual, code) {
		assert.Equal(tc.t, code, ferr.Code, "%s: cell %s", tc.name, address)
	}
	return tc
}

func (tc *CalcTestCase) AssertCellFn(address string, fn func(value Primitive, t *testing.T)) *CalcTestCase {
	tc.t.Helper()
	fn(tc.Get(address), tc.t)
	return tc
}

func (tc *CalcTestCase) AssertResult(fn func(result *Result, t *testing.T)) *CalcTestCase {
	tc.t.Helper()
	require.NotNil(tc.t, tc.result, "%s: no result", tc.name)
	fn(tc.result, tc.t)
	return tc
}

func (tc *CalcTestCase) ExpectAppError(code AppErrorCode) *CalcTestCase {
	tc.t.Helper()
	var appErr *AppError
	if assert.ErrorAs(tc.t, tc.err, &appErr, tc.name) {
		assert.Equal(tc.t, code, appErr.Code, tc.name)
	}
	tc.err = nil
	return tc
}

func (tc *CalcTestCase) End() {
}

// evalFormula evaluates one formula in A1 of a fresh Sheet1 holding cells
func evalFormula(t *testing.T, text string, cells map[string]Primitive) Primitive {
	t.Helper()
	tc := NewCalcTestCase(t, text)
	for address, value := range cells {
		tc.Set(address, value)
	}
	value, _, err := tc.service.Evaluate(context.Background(), text, tc.cell("A1"))
	require.NoError(t, err, text)
	return value
}
