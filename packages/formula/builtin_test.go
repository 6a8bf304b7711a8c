package formula

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinFunctions(t *testing.T) {
	cells := map[string]Primitive{
		"B1": 1.0, "B2": 2.0, "B3": 3.0, "B4": "four", "B5": true,
		"C1": -2.5, "C2": "Hello",
	}

	tests := []struct {
		formula string
		want    Primitive
	}{
		{"=SUM(B1:B5)", 6.0},
		{"=SUM(B1, 2, TRUE)", 4.0},
		{"=SUM({0.1,0.2})", 0.3},
		{"=AVERAGE(B1:B3)", 2.0},
		{"=COUNT(B1:B5)", 3.0},
		{"=COUNT(1, \"x\", TRUE)", 2.0},
		{"=COUNTA(B1:B6)", 5.0},
		{"=MAX(B1:B3, C1)", 3.0},
		{"=MIN(B1:B3, C1)", -2.5},
		{"=AND(B5, 1)", true},
		{"=OR(FALSE, B1:B4)", true},
		{"=NOT(B5)", false},
		{`=CONCATENATE(C2, " ", "world", 1)`, "Hello world1"},
		{"=CONCATENATE(B1:B3)", "123"},
		{"=LEN(C2)", 5.0},
		{`=LEN("日本語")`, 3.0},
		{"=UPPER(C2)", "HELLO"},
		{"=LOWER(C2)", "hello"},
		{"=ABS(C1)", 2.5},
		{"=ROUND(2.5)", 3.0},
		{"=ROUND(-2.5)", -3.0},
		{"=ROUND(1.005, 2)", 1.01},
		{"=ROUND(1234, -2)", 1200.0},
		{"=SQRT(16)", 4.0},
		{"=POWER(2, 10)", 1024.0},
		{"=MOD(-3, 2)", 1.0},
		{"=MOD(3, -2)", -1.0},
		{"=PI()", math.Pi},
		{"=RAND()", 0.25},
		{"=ROW()", 1.0},
		{"=ROW(C7)", 7.0},
		{"=COLUMN(C7)", 3.0},
		{"=ROWS(B1:C5)", 5.0},
		{"=COLUMNS(B1:C5)", 2.0},
		{"=ROWS({1;2;3})", 3.0},
		{"=IF(B1>0, \"pos\", \"neg\")", "pos"},
		{"=IF(B1<0, \"neg\")", false},
		{"=IFERROR(1/0, \"none\")", "none"},
		{"=IFERROR(B1, \"none\")", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			assert.Equal(t, tt.want, evalFormula(t, tt.formula, cells))
		})
	}
}

func TestBuiltinErrors(t *testing.T) {
	tests := []struct {
		formula string
		code    ErrorCode
	}{
		{"=SUM(1, \"x\")", ErrorCodeValue},
		{"=SUM({1,#N/A})", ErrorCodeNA},
		{"=AVERAGE(\"\"&\"\")", ErrorCodeValue},
		{"=AVERAGE({\"a\"})", ErrorCodeDiv0},
		{"=AND(\"maybe\")", ErrorCodeValue},
		{"=OR({\"a\"})", ErrorCodeValue},
		{"=MOD(1, 0)", ErrorCodeDiv0},
		{"=PI(1)", ErrorCodeNA},
		{"=IF(1)", ErrorCodeNA},
		{"=IF(\"x\", 1, 2)", ErrorCodeValue},
		{"=ROW(1)", ErrorCodeValue},
		{"=SEQUENCE(0)", ErrorCodeCalc},
		{"=SEQUENCE(\"x\")", ErrorCodeValue},
		{"=MAP({1,2}, 3)", ErrorCodeValue},
		{"=POWER(-1, 0.5)", ErrorCodeNum},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			assertErrorCode(t, evalFormula(t, tt.formula, nil), tt.code)
		})
	}
}

func TestBuiltinArrays(t *testing.T) {
	assertArray(t, evalFormula(t, "=SEQUENCE(2, 3)", nil), 2, 3, 1.0, 2.0, 3.0, 4.0, 5.0, 6.0)
	assertArray(t, evalFormula(t, "=SEQUENCE(3, 1, 0.1, 0.1)", nil), 3, 1, 0.1, 0.2, 0.3)
	assertArray(t, evalFormula(t, "=MAP(SEQUENCE(3), LAMBDA(x, x*10))", nil), 3, 1, 10.0, 20.0, 30.0)
	assertArray(t, evalFormula(t, "=ABS({-1,2})", nil), 1, 2, 1.0, 2.0)
	assertArray(t, evalFormula(t, `=UPPER({"a";"b"})`, nil), 2, 1, "A", "B")
	assertArray(t, evalFormula(t, "=NOT({TRUE,0})", nil), 1, 2, false, true)
}

func TestBuiltinNow(t *testing.T) {
	// 2024-01-01 12:00 UTC is serial 45292.5
	assert.Equal(t, 45292.5, evalFormula(t, "=NOW()", nil))
}

func TestRegistry(t *testing.T) {
	registry := testRegistry()
	names := registry.Names()
	assert.Len(t, names, len(NewBuiltins(nil, nil).Functions()))
	assert.IsNonDecreasing(t, names)

	fn, ok := registry.Lookup("sum")
	require.True(t, ok)
	assert.Equal(t, "SUM", fn.Name)

	custom := registry.With(&Function{Name: "Double", Call: func(_ *CallContext, args []Primitive) Primitive {
		return binaryOp(OpMultiply, args[0], 2.0)
	}})
	_, ok = registry.Lookup("DOUBLE")
	assert.False(t, ok)
	_, ok = custom.Lookup("double")
	assert.True(t, ok)

	rand, ok := registry.Lookup("RAND")
	require.True(t, ok)
	assert.True(t, rand.Volatile)
	iferror, _ := registry.Lookup("IFERROR")
	assert.True(t, iferror.ErrorAbsorbing)
}
