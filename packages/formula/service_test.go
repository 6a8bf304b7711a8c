package formula

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the events of a service
type recorder struct {
	events []Event
}

func (r *recorder) listen(e Event) {
	r.events = append(r.events, e)
}

// stages lists the stages seen, without consecutive repeats
func (r *recorder) stages() []Stage {
	var stages []Stage
	for _, e := range r.events {
		if len(stages) == 0 || stages[len(stages)-1] != e.Progress.Stage {
			stages = append(stages, e.Progress.Stage)
		}
	}
	return stages
}

func (r *recorder) count(stage Stage) int {
	n := 0
	for _, s := range r.stages() {
		if s == stage {
			n++
		}
	}
	return n
}

func (r *recorder) last() Event {
	return r.events[len(r.events)-1]
}

func calculated(result *Result) []string {
	var cells []string
	for _, key := range sortedKeys(result.RuntimeData) {
		cells = append(cells, CellName(key.Row, key.Column))
	}
	return cells
}

func TestServiceChain(t *testing.T) {
	events := &recorder{}
	tc := NewCalcTestCase(t, "chain")
	tc.service.Subscribe(events.listen)

	tc.Set("A1", 1).
		Set("B1", "=A1+1").
		Set("C1", "=B1*2").
		Set("D1", "=7").
		RunAndAssertNoError().
		AssertCellEq("B1", 2).
		AssertCellEq("C1", 4).
		AssertCellEq("D1", 7).
		AssertResult(func(result *Result, t *testing.T) {
			assert.Equal(t, 1, result.Attempts)
			assert.False(t, result.Cyclic)
			assert.False(t, result.Stopped)
			assert.Empty(t, result.NotExecuted)
			assert.Same(t, result, tc.service.LastResult())
		}).
		End()

	assert.Equal(t, []Stage{
		StageStartDependency,
		StageStartCalculation,
		StageCurrentlyCalculating,
		StageCalculationCompleted,
	}, events.stages())
	done := events.last()
	assert.Equal(t, EventCompleted, done.Kind)
	assert.Equal(t, 3, done.Progress.TotalCount)
	assert.Equal(t, 3, done.Progress.CompletedCount)
	assert.NotEmpty(t, done.ExecutionID)
	assert.Same(t, tc.result, done.Result)
	assert.False(t, tc.service.IsRunning())

	tc.Set("A1", 5).
		RunDirty("A1").
		AssertCellEq("B1", 6).
		AssertCellEq("C1", 12).
		AssertResult(func(result *Result, t *testing.T) {
			assert.Equal(t, []string{"B1", "C1"}, calculated(result), "D1 does not read A1")
		}).
		End()
}

func TestServiceCycle(t *testing.T) {
	t.Run("single attempt", func(t *testing.T) {
		NewCalcTestCase(t, "cycle").
			Set("A1", "=B1+1").
			Set("B1", "=A1+1").
			RunAndAssertNoError().
			AssertCellEq("A1", 2).
			AssertCellEq("B1", 1).
			AssertResult(func(result *Result, t *testing.T) {
				assert.True(t, result.Cyclic)
				assert.Equal(t, 1, result.Attempts)
			}).
			End()
	})

	t.Run("bounded attempts", func(t *testing.T) {
		events := &recorder{}
		tc := NewCalcTestCase(t, "cycle x3", WithConfig(Config{CycleReferenceCount: 3}))
		tc.service.Subscribe(events.listen)
		tc.Set("A1", "=B1+1").
			Set("B1", "=A1+1").
			RunAndAssertNoError().
			AssertCellEq("A1", 6).
			AssertCellEq("B1", 5).
			AssertResult(func(result *Result, t *testing.T) {
				assert.True(t, result.Cyclic)
				assert.Equal(t, 3, result.Attempts)
			}).
			End()
		assert.Equal(t, 3, events.count(StageStartDependency))
	})

	t.Run("acyclic runs once", func(t *testing.T) {
		events := &recorder{}
		tc := NewCalcTestCase(t, "acyclic", WithConfig(Config{CycleReferenceCount: 5}))
		tc.service.Subscribe(events.listen)
		tc.Set("A1", "=1").RunAndAssertNoError()
		assert.Equal(t, 1, events.count(StageStartDependency))
		assert.Equal(t, 1, tc.result.Attempts)
	})
}

func TestServiceStop(t *testing.T) {
	events := &recorder{}
	stopAfter := 2
	tc := NewCalcTestCase(t, "stop")
	tc.service.Subscribe(events.listen)
	tc.service.Subscribe(func(e Event) {
		if e.Kind == EventProgress && e.Progress.CompletedCount == stopAfter {
			tc.service.StopFormulaExecution()
		}
	})

	for _, address := range []string{"A1", "A2", "A3", "A4", "A5"} {
		tc.Set(address, "=1")
	}
	tc.RunAndAssertNoError().
		AssertResult(func(result *Result, t *testing.T) {
			assert.True(t, result.Stopped)
			assert.Len(t, result.RuntimeData, 2)
			require.Len(t, result.NotExecuted, 3)
			for _, id := range result.NotExecuted {
				assert.NotContains(t, result.RuntimeData, id.CellKey)
			}
		}).
		End()

	done := events.last()
	assert.Equal(t, EventCompleted, done.Kind)
	assert.Equal(t, StageIdle, done.Progress.Stage)
	assert.NotContains(t, events.stages(), StageCalculationCompleted)

	// the next execution starts clean
	stopAfter = -1
	tc.Set("A1", "=2").
		RunAndAssertNoError().
		AssertCellEq("A1", 2).
		AssertResult(func(result *Result, t *testing.T) {
			assert.False(t, result.Stopped)
			assert.Empty(t, result.NotExecuted)
			assert.Len(t, result.RuntimeData, 5)
		}).
		End()
}

func TestServiceStopAfterLastNode(t *testing.T) {
	t.Run("last node", func(t *testing.T) {
		events := &recorder{}
		tc := NewCalcTestCase(t, "stop at end")
		tc.service.Subscribe(events.listen)
		tc.service.Subscribe(func(e Event) {
			if e.Kind == EventProgress && e.Progress.CompletedCount == 3 {
				tc.service.StopFormulaExecution()
			}
		})
		tc.Set("A1", "=1").
			Set("A2", "=2").
			Set("A3", "=3").
			RunAndAssertNoError().
			AssertCellEq("A3", 3).
			AssertResult(func(result *Result, t *testing.T) {
				assert.True(t, result.Stopped)
				assert.Len(t, result.RuntimeData, 3)
				assert.Empty(t, result.NotExecuted)
			}).
			End()

		done := events.last()
		assert.Equal(t, EventCompleted, done.Kind)
		assert.Equal(t, StageIdle, done.Progress.Stage)
		assert.Equal(t, 3, done.Progress.CompletedCount)
		assert.NotContains(t, events.stages(), StageCalculationCompleted)
	})

	t.Run("empty plan", func(t *testing.T) {
		events := &recorder{}
		tc := NewCalcTestCase(t, "stop empty")
		tc.service.Subscribe(events.listen)
		tc.service.Subscribe(func(e Event) {
			if e.Progress.Stage == StageStartCalculation {
				tc.service.StopFormulaExecution()
			}
		})
		tc.Set("A1", 1).
			RunAndAssertNoError().
			AssertResult(func(result *Result, t *testing.T) {
				assert.True(t, result.Stopped)
				assert.Empty(t, result.RuntimeData)
			}).
			End()
		assert.Equal(t, StageIdle, events.last().Progress.Stage)
	})
}

type failingScheduler struct {
	calls int
	after int
}

func (s *failingScheduler) Yield(ctx context.Context) error {
	s.calls++
	if s.calls > s.after {
		return errors.New("host shutting down")
	}
	return nil
}

func TestServiceScheduler(t *testing.T) {
	scheduler := &failingScheduler{after: 1}
	NewCalcTestCase(t, "scheduler", WithScheduler(scheduler)).
		Set("A1", "=1").
		Set("A2", "=2").
		Set("A3", "=3").
		RunAndAssertNoError().
		AssertResult(func(result *Result, t *testing.T) {
			assert.True(t, result.Stopped)
			assert.Len(t, result.RuntimeData, 1)
			assert.Len(t, result.NotExecuted, 2)
		}).
		End()

	NewCalcTestCase(t, "gosched", WithConfig(Config{Yield: "gosched"})).
		Set("A1", "=1").
		Set("A2", "=A1+1").
		RunAndAssertNoError().
		AssertCellEq("A2", 2).
		End()
}

func TestServiceOverlappingExecute(t *testing.T) {
	tc := NewCalcTestCase(t, "overlap")
	var nested error
	var running bool
	sub := tc.service.Subscribe(func(e Event) {
		if nested == nil {
			running = tc.service.IsRunning()
			_, nested = tc.service.Execute(context.Background(), &Snapshot{ForceCalculation: true})
		}
	})
	tc.Set("A1", "=1").RunAndAssertNoError()
	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.True(t, running)
	require.ErrorIs(t, nested, ErrExecutionInProgress)
	var appErr *AppError
	require.ErrorAs(t, nested, &appErr)
	assert.Equal(t, FailedPrecondition, appErr.Code)

	// the guard is released when the execution returns
	tc.Run()
	assert.NoError(t, tc.err)
}

func TestServiceSpill(t *testing.T) {
	t.Run("array pass", func(t *testing.T) {
		events := &recorder{}
		tc := NewCalcTestCase(t, "spill")
		tc.service.Subscribe(events.listen)
		tc.Set("A1", "=SEQUENCE(3)").
			Set("B1", "=SUM(A1:A3)").
			Set("C1", "=SUM(A1#)").
			RunAndAssertNoError().
			AssertCellEq("A1", 1).
			AssertCellEq("A2", 2).
			AssertCellEq("A3", 3).
			AssertCellEq("B1", 6).
			AssertCellEq("C1", 6).
			AssertResult(func(result *Result, t *testing.T) {
				anchor := tc.cell("A1")
				assert.Equal(t, "A1:A3", result.ArrayFormulaRanges[anchor].String())
				assert.Equal(t, 3, result.Spills[anchor].Rows)
				require.Len(t, result.DirtyRanges, 1)
				assert.Equal(t, "A1:A3", result.DirtyRanges[0].Range.String())
			}).
			End()

		assert.Contains(t, events.stages(), StageCurrentlyCalculatingArrayFormula)
		assert.Equal(t, 2, events.last().Progress.TotalArrayFormulaCount)

		// unchanged spills need no array pass and do not block themselves
		events.events = nil
		tc.RunAndAssertNoError().
			AssertCellEq("B1", 6).
			AssertCellEq("A3", 3).
			End()
		assert.NotContains(t, events.stages(), StageStartDependencyArrayFormula)

		tc.Set("A1", "=SEQUENCE(2)").
			RunAndAssertNoError().
			AssertCellEq("B1", 3).
			AssertCellEq("A3", nil).
			End()
	})

	t.Run("blocked", func(t *testing.T) {
		NewCalcTestCase(t, "spill blocked").
			Set("A1", "=SEQUENCE(3)").
			Set("A2", 5).
			RunAndAssertNoError().
			AssertCellErr("A1", ErrorCodeSpill).
			AssertCellEq("A2", 5).
			AssertResult(func(result *Result, t *testing.T) {
				assert.Empty(t, result.ArrayFormulaRanges)
			}).
			End()
	})

	t.Run("blocked by another spill", func(t *testing.T) {
		// B1 is calculated first and takes B1:B3
		NewCalcTestCase(t, "spill overlap").
			Set("B1", "=SEQUENCE(3)").
			Set("A2", "=SEQUENCE(1, 3)").
			RunAndAssertNoError().
			AssertCellEq("B2", 2).
			AssertCellErr("A2", ErrorCodeSpill).
			End()
	})
}

func TestServiceFeatures(t *testing.T) {
	tc := NewCalcTestCase(t, "features")
	d1 := tc.cell("D1")
	id := tc.service.RegisterFeature(FeatureDependency{
		FeatureID: "scale",
		UnitID:    testUnit,
		SheetID:   testSheet,
		Ranges:    []Reference{{UnitID: testUnit, SheetID: testSheet, Range: RangeAddress{EndRow: 1}}},
		GetDirtyData: func(ctx context.Context, node *DependencyNode, view DataReader) (*DirtyData, error) {
			a1, _ := toNumber(view.Value(testUnit, testSheet, 0, 0))
			return &DirtyData{
				RuntimeCellData: map[CellKey]Primitive{d1: a1 * 10},
				DirtyRanges:     []DirtyRange{{UnitID: testUnit, SheetID: testSheet, Range: CellRange(0, 3)}},
			}, nil
		},
	})
	assert.Equal(t, "scale", id)

	tc.Set("A1", 3).
		Set("E1", "=D1+1").
		RunAndAssertNoError().
		AssertCellEq("E1", 31).
		AssertResult(func(result *Result, t *testing.T) {
			assert.Equal(t, map[CellKey]Primitive{d1: 30.0}, result.FeatureData["scale"])
			assert.Contains(t, result.DirtyRanges, DirtyRange{UnitID: testUnit, SheetID: testSheet, Range: CellRange(0, 3)})
		}).
		End()

	assert.True(t, tc.service.UnregisterFeature("scale"))
	assert.False(t, tc.service.UnregisterFeature("scale"))

	anonymous := &FeatureDependency{
		UnitID:  testUnit,
		SheetID: testSheet,
		GetDirtyData: func(ctx context.Context, node *DependencyNode, view DataReader) (*DirtyData, error) {
			return &DirtyData{RuntimeCellData: map[CellKey]Primitive{d1: "seen"}}, nil
		},
	}
	result, err := tc.service.Execute(context.Background(), &Snapshot{ForceCalculation: true, Features: []*FeatureDependency{anonymous}})
	require.NoError(t, err)
	require.Len(t, result.FeatureData, 1)
	for featureID := range result.FeatureData {
		assert.Len(t, featureID, 36, "anonymous features get a generated ID")
	}
	assert.Empty(t, anonymous.FeatureID, "the caller's feature is not modified")

	failing := errors.New("renderer gone")
	tc.service.RegisterFeature(FeatureDependency{
		FeatureID: "failing",
		GetDirtyData: func(ctx context.Context, node *DependencyNode, view DataReader) (*DirtyData, error) {
			return nil, failing
		},
	})
	tc.Run()
	assert.ErrorIs(t, tc.err, failing)
	assert.False(t, tc.service.IsRunning())
	tc.service.UnregisterFeature("failing")

	tc.service.RegisterFeature(FeatureDependency{FeatureID: "broken"})
	tc.Run()
	assert.ErrorIs(t, tc.err, ErrInvalidDependencyNode)
	tc.ExpectAppError(Internal).End()
}

func TestServiceAsync(t *testing.T) {
	failure := errors.New("quote service unavailable")
	var cancel context.CancelFunc
	registry := testRegistry().With(&Function{
		Name: "FETCH",
		CallAsync: func(ctx context.Context, call *CallContext, args []Primitive) (Primitive, error) {
			switch {
			case len(args) == 0:
				return 42.0, nil
			case args[0] == "fail":
				return nil, failure
			case args[0] == "hang":
				cancel()
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, nil
		},
	})

	tc := NewCalcTestCase(t, "async")
	tc.service = NewService(registry, tc.workbook)
	tc.Set("A1", "=FETCH()+1").
		Set("A2", `=FETCH("fail")`).
		Set("A3", "=A1*2").
		RunAndAssertNoError().
		AssertCellEq("A1", 43).
		AssertCellErr("A2", ErrorCodeOther).
		AssertCellEq("A3", 86).
		End()

	tc.Set("B1", `=FETCH("hang")`).Set("C1", "=1")
	var ctx context.Context
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	result, err := tc.service.Execute(ctx, &Snapshot{ForceCalculation: true})
	require.NoError(t, err, "cancellation is not an error")
	assert.True(t, result.Stopped)
	ids := make([]string, len(result.NotExecuted))
	for i, id := range result.NotExecuted {
		ids[i] = id.String()
	}
	assert.Contains(t, ids, "book/s1!B1")
	assert.NotContains(t, result.RuntimeData, tc.cell("B1"))
}

func TestServiceVolatile(t *testing.T) {
	NewCalcTestCase(t, "volatile").
		Set("A1", "=RAND()").
		Set("B1", "=A1*2").
		Set("C1", "=5").
		RunAndAssertNoError().
		RunDirty().
		AssertCellEq("B1", 0.5).
		AssertResult(func(result *Result, t *testing.T) {
			assert.Equal(t, []string{"A1", "B1"}, calculated(result))
		}).
		End()
}

func TestServiceTables(t *testing.T) {
	calls := 0
	lookup := TableLookupFunc(func(ctx context.Context, unitID, text string) (Reference, bool, error) {
		calls++
		if text != "Sales[Amount]" {
			return Reference{}, false, nil
		}
		return Reference{UnitID: unitID, SheetID: testSheet, Range: RangeAddress{StartRow: 1, StartColumn: 3, EndRow: 3, EndColumn: 3}}, true, nil
	})

	NewCalcTestCase(t, "tables", WithReferenceLookup(lookup)).
		Set("D2", 1).
		Set("D3", 2).
		Set("D4", 3).
		Set("A1", "=SUM(Sales[Amount])").
		Set("A2", "=MAX(Sales[Amount])").
		Set("A3", "=Missing[Col]").
		RunAndAssertNoError().
		AssertCellEq("A1", 6).
		AssertCellEq("A2", 3).
		AssertCellErr("A3", ErrorCodeRef).
		End()
	assert.Equal(t, 2, calls)
}

func TestServiceDefinedNames(t *testing.T) {
	names := NewDefinedNames()
	names.Define("Prices", "Sheet1!B1:B3")
	NewCalcTestCase(t, "names", WithParserOptions(WithDefinedNames(names))).
		Set("B1", 1).
		Set("B2", 2).
		Set("B3", 4).
		Set("A1", "=SUM(Prices)").
		RunAndAssertNoError().
		AssertCellEq("A1", 7).
		End()
}

func TestServiceSheets(t *testing.T) {
	NewCalcTestCase(t, "sheets").
		AddSheet("s2", "Inputs").
		Set("Inputs!A1", 10).
		Set("A1", "=Inputs!A1*2").
		Set("Inputs!B1", "=Sheet1!A1+1").
		Set("A2", "=Gone!A1").
		Set("A3", "=SUM(").
		Set("A4", "=A3+1").
		RunAndAssertNoError().
		AssertCellEq("A1", 20).
		AssertCellEq("Inputs!B1", 21).
		AssertCellErr("A2", ErrorCodeRef).
		AssertCellErr("A3", ErrorCodeOther).
		AssertCellErr("A4", ErrorCodeOther).
		End()
}

func TestServiceCalculate(t *testing.T) {
	tc := NewCalcTestCase(t, "calculate").Set("A1", 5)

	text, err := tc.service.Calculate(context.Background(), `=A1&"x"`)
	require.NoError(t, err)
	assert.Equal(t, "5x", text)

	text, err = tc.service.Calculate(context.Background(), "=1+2")
	require.NoError(t, err)
	assert.Equal(t, "3", text)

	text, err = tc.service.Calculate(context.Background(), "={1,2}*2")
	require.NoError(t, err)
	assert.Equal(t, "{2,4}", text)

	_, err = tc.service.Calculate(context.Background(), "=SUM(")
	require.ErrorIs(t, err, ErrLexical)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, InvalidArgument, appErr.Code)

	value, ast, err := tc.service.Evaluate(context.Background(), "=sum(1, A1)", tc.cell("B2"))
	require.NoError(t, err)
	assert.Equal(t, 6.0, value)
	assert.Equal(t, "SUM(1,A1)", ast.ToString())
	assert.Equal(t, 0, tc.service.Formulas().Count())
}
