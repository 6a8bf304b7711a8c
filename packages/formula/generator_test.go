package formula

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type generatorFixture struct {
	t         *testing.T
	workbook  *MemoryWorkbook
	generator *Generator
}

func newGeneratorFixture(t *testing.T, lookup ReferenceLookup) *generatorFixture {
	t.Helper()
	wb := NewMemoryWorkbook()
	wb.AddUnit(testUnit, "Book1")
	_, err := wb.AddSheet(testUnit, testSheet, "Sheet1")
	require.NoError(t, err)
	_, err = wb.AddSheet(testUnit, "s2", "Sheet2")
	require.NoError(t, err)
	return &generatorFixture{
		t:         t,
		workbook:  wb,
		generator: NewGenerator(NewFormulaTable(createTestParser()), wb, lookup),
	}
}

func (f *generatorFixture) key(address string) CellKey {
	row, col, err := ParseCellAddress(address)
	require.NoError(f.t, err)
	return CellKey{UnitID: testUnit, SheetID: testSheet, Row: row, Column: col}
}

func (f *generatorFixture) formula(address, text string) *generatorFixture {
	k := f.key(address)
	require.NoError(f.t, f.workbook.SetFormula(k.UnitID, k.SheetID, k.Row, k.Column, text))
	return f
}

func (f *generatorFixture) dirty(address string) DirtyRange {
	k := f.key(address)
	return DirtyRange{UnitID: k.UnitID, SheetID: k.SheetID, Range: CellRange(k.Row, k.Column)}
}

func planIDs(plan *Plan) []string {
	ids := make([]string, len(plan.Nodes))
	for i, n := range plan.Nodes {
		if n.IsFeature() {
			ids[i] = "feature:" + n.FeatureID
			continue
		}
		ids[i] = CellName(n.Key.Row, n.Key.Column)
	}
	return ids
}

func TestGeneratorOrdersByDependency(t *testing.T) {
	f := newGeneratorFixture(t, nil).
		formula("C1", "=B1*2").
		formula("B1", "=A1+1").
		formula("D1", "=RAND()")

	plan, err := f.generator.Generate(context.Background(), &Snapshot{ForceCalculation: true}, NewRuntimeState())
	require.NoError(t, err)
	assert.False(t, plan.HasCycle)
	assert.Equal(t, []string{"B1", "C1", "D1"}, planIDs(plan))

	b1 := plan.Nodes[0]
	assert.Equal(t, "F1", b1.FormulaID)
	require.Len(t, b1.Ranges, 1)
	assert.Equal(t, Reference{UnitID: testUnit, SheetID: testSheet, Range: CellRange(0, 0)}, b1.Ranges[0])
	assert.True(t, plan.Nodes[2].Volatile)
	for _, n := range plan.Nodes {
		assert.NoError(t, n.Validate())
	}
}

func TestGeneratorDirtyRanges(t *testing.T) {
	f := newGeneratorFixture(t, nil).
		formula("B1", "=A1+1").
		formula("C1", "=B1*2").
		formula("D1", "=RAND()").
		formula("E1", "=SUM(Sheet2!A1:A10)")

	tests := []struct {
		name  string
		dirty []DirtyRange
		want  []string
	}{
		{"precedent edited", []DirtyRange{f.dirty("A1")}, []string{"B1", "C1", "D1"}},
		{"formula cell edited", []DirtyRange{f.dirty("C1")}, []string{"C1", "D1"}},
		{"unrelated cell", []DirtyRange{f.dirty("Z9")}, []string{"D1"}},
		{"other sheet", []DirtyRange{{UnitID: testUnit, SheetID: "s2", Range: CellRange(4, 0)}}, []string{"D1", "E1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := f.generator.Generate(context.Background(), &Snapshot{DirtyRanges: tt.dirty}, NewRuntimeState())
			require.NoError(t, err)
			assert.Equal(t, tt.want, planIDs(plan))
		})
	}
}

func TestGeneratorCycle(t *testing.T) {
	f := newGeneratorFixture(t, nil).
		formula("A1", "=B1+1").
		formula("B1", "=A1+1").
		formula("C1", "=5")

	plan, err := f.generator.Generate(context.Background(), &Snapshot{ForceCalculation: true}, NewRuntimeState())
	require.NoError(t, err)
	assert.True(t, plan.HasCycle)
	assert.ElementsMatch(t, []string{"A1", "B1", "C1"}, planIDs(plan))
}

func TestGeneratorFeatures(t *testing.T) {
	f := newGeneratorFixture(t, nil).
		formula("B1", "=A1+1").
		formula("C1", "=B1*2")

	feature := &FeatureDependency{
		FeatureID: "highlight",
		UnitID:    testUnit,
		SheetID:   testSheet,
		Ranges:    []Reference{{UnitID: testUnit, SheetID: testSheet, Range: CellRange(0, 2)}},
		GetDirtyData: func(ctx context.Context, node *DependencyNode, view DataReader) (*DirtyData, error) {
			return nil, nil
		},
	}
	snap := &Snapshot{ForceCalculation: true, Features: []*FeatureDependency{feature}}
	plan, err := f.generator.Generate(context.Background(), snap, NewRuntimeState())
	require.NoError(t, err)
	assert.Equal(t, []string{"B1", "C1", "feature:highlight"}, planIDs(plan))

	node := plan.Nodes[2]
	assert.Equal(t, -1, node.Key.Row)
	assert.Equal(t, "feature:highlight", node.ID().String())
	assert.NoError(t, node.Validate())

	snap = &Snapshot{DirtyRanges: []DirtyRange{f.dirty("A1")}, Features: []*FeatureDependency{feature}}
	plan, err = f.generator.Generate(context.Background(), snap, NewRuntimeState())
	require.NoError(t, err)
	assert.Equal(t, []string{"B1", "C1", "feature:highlight"}, planIDs(plan), "features follow their ranges")
}

func TestGeneratorUnparsableFormula(t *testing.T) {
	f := newGeneratorFixture(t, nil).
		formula("A1", "=SUM(").
		formula("B1", "=A1")

	plan, err := f.generator.Generate(context.Background(), &Snapshot{ForceCalculation: true}, NewRuntimeState())
	require.NoError(t, err)
	require.Equal(t, []string{"A1", "B1"}, planIDs(plan))
	bad, ok := plan.Nodes[0].AST.(*ErrorNode)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeOther, bad.Err.Code)
	assert.Empty(t, plan.Nodes[0].FormulaID)
}

func TestGeneratorSpills(t *testing.T) {
	f := newGeneratorFixture(t, nil).
		formula("A1", "=SEQUENCE(3)").
		formula("B1", "=A2*2")

	a1 := f.key("A1")
	previous := &Result{
		ArrayFormulaRanges: map[CellKey]RangeAddress{a1: {StartRow: 0, StartColumn: 0, EndRow: 2, EndColumn: 0}},
		Spills:             map[CellKey]*ArrayValue{a1: ColumnVector(1.0, 2.0, 3.0)},
	}

	snap := &Snapshot{DirtyRanges: []DirtyRange{f.dirty("A1")}, Previous: previous}
	plan, err := f.generator.Generate(context.Background(), snap, NewRuntimeState())
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "B1"}, planIDs(plan), "readers of a spill depend on its anchor")

	dirty := []DirtyRange{{UnitID: testUnit, SheetID: testSheet, Range: previous.ArrayFormulaRanges[a1]}}
	plan, err = f.generator.GenerateArrayPass(context.Background(), snap, NewRuntimeState(), dirty, map[CellKey]struct{}{a1: {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, planIDs(plan))
}

func TestGeneratorTableLookup(t *testing.T) {
	calls := 0
	sales := Reference{UnitID: testUnit, SheetID: testSheet, Range: RangeAddress{StartRow: 1, StartColumn: 3, EndRow: 9, EndColumn: 3}}
	lookup := TableLookupFunc(func(ctx context.Context, unitID, text string) (Reference, bool, error) {
		calls++
		if text == "Sales[Amount]" {
			return sales, true, nil
		}
		return Reference{}, false, nil
	})
	f := newGeneratorFixture(t, lookup).
		formula("A1", "=SUM(Sales[Amount])").
		formula("A2", "=MAX(Sales[Amount])").
		formula("A3", "=Other[Col]")

	state := NewRuntimeState()
	plan, err := f.generator.Generate(context.Background(), &Snapshot{ForceCalculation: true}, state)
	require.NoError(t, err)
	assert.Len(t, plan.Nodes, 3)
	assert.Equal(t, []Reference{sales}, plan.Nodes[0].Ranges)
	assert.Equal(t, 2, calls, "a resolved table is looked up once per execution")
	assert.Empty(t, plan.Nodes[2].Ranges)

	failing := TableLookupFunc(func(ctx context.Context, unitID, text string) (Reference, bool, error) {
		return Reference{}, false, errors.New("catalog offline")
	})
	f.generator.lookup = failing
	_, err = f.generator.Generate(context.Background(), &Snapshot{ForceCalculation: true}, NewRuntimeState())
	assert.ErrorContains(t, err, "catalog offline")
}

func TestGeneratorCancelled(t *testing.T) {
	f := newGeneratorFixture(t, nil).formula("A1", "=1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.generator.Generate(ctx, &Snapshot{ForceCalculation: true}, NewRuntimeState())
	assert.ErrorIs(t, err, context.Canceled)
}
