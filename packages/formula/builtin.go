package formula

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

// Builtins is the reference function catalog
type Builtins struct {
	clock Clock
	rng   RandomGenerator
}

// NewBuiltins creates the catalog with an injectable clock and random source
func NewBuiltins(clock Clock, rng RandomGenerator) *Builtins {
	return &Builtins{clock: clock, rng: rng}
}

// DefaultFunctions returns the catalog backed by the wall clock and the
// default random source
func DefaultFunctions() []*Function {
	return NewBuiltins(&WallClock{}, &DefaultRandomGenerator{}).Functions()
}

// DefaultRegistry is a registry holding DefaultFunctions
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultFunctions()...)
}

// Functions lists every function of the catalog
func (bf *Builtins) Functions() []*Function {
	return []*Function{
		{Name: "SUM", Call: bf.SUM},
		{Name: "AVERAGE", Call: bf.AVERAGE},
		{Name: "COUNT", Call: bf.COUNT},
		{Name: "COUNTA", Call: bf.COUNTA},
		{Name: "MAX", Call: bf.MAX},
		{Name: "MIN", Call: bf.MIN},
		{Name: "IF", Call: bf.IF, ErrorAbsorbing: true},
		{Name: "IFERROR", Call: bf.IFERROR, ErrorAbsorbing: true},
		{Name: "AND", Call: bf.AND},
		{Name: "OR", Call: bf.OR},
		{Name: "NOT", Call: bf.NOT},
		{Name: "CONCATENATE", Call: bf.CONCATENATE},
		{Name: "LEN", Call: bf.LEN},
		{Name: "UPPER", Call: bf.UPPER},
		{Name: "LOWER", Call: bf.LOWER},
		{Name: "ABS", Call: bf.ABS},
		{Name: "ROUND", Call: bf.ROUND},
		{Name: "SQRT", Call: bf.SQRT},
		{Name: "POWER", Call: bf.POWER},
		{Name: "MOD", Call: bf.MOD},
		{Name: "PI", Call: bf.PI},
		{Name: "RAND", Call: bf.RAND, Volatile: true},
		{Name: "NOW", Call: bf.NOW, Volatile: true},
		{Name: "ROW", Call: bf.ROW, ReferenceArgs: true},
		{Name: "COLUMN", Call: bf.COLUMN, ReferenceArgs: true},
		{Name: "ROWS", Call: bf.ROWS, ReferenceArgs: true},
		{Name: "COLUMNS", Call: bf.COLUMNS, ReferenceArgs: true},
		{Name: "SEQUENCE", Call: bf.SEQUENCE},
		{Name: "MAP", Call: bf.MAP},
	}
}

func arity(name string, args []Primitive, least, most int) *FormulaError {
	if len(args) < least || len(args) > most {
		return NewFormulaError(ErrorCodeNA, "wrong number of arguments to "+name)
	}
	return nil
}

// numbers collects the numeric arguments. numbers inside ranges and arrays
// count, text and logicals there are skipped; direct arguments are coerced.
func numbers(args []Primitive) ([]float64, *FormulaError) {
	var nums []float64
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				if num, ok := value.(float64); ok && !math.IsNaN(num) {
					nums = append(nums, num)
				}
			}
			continue
		}
		if arg == nil {
			continue
		}
		num, ok := toNumber(arg)
		if !ok {
			return nil, NewFormulaError(ErrorCodeValue, "expected a number")
		}
		nums = append(nums, num)
	}
	return nums, nil
}

// decimalSum adds in decimal arithmetic so 0.1+0.2 is 0.3
func decimalSum(nums []float64) Primitive {
	var sum, d apd.Decimal
	for _, num := range nums {
		if _, err := d.SetFloat64(num); err != nil {
			return NewFormulaError(ErrorCodeNum, "")
		}
		if _, err := decimalContext.Add(&sum, &sum, &d); err != nil {
			return NewFormulaError(ErrorCodeNum, err.Error())
		}
	}
	result, err := sum.Float64()
	if err != nil || math.IsInf(result, 0) || math.IsNaN(result) {
		return NewFormulaError(ErrorCodeNum, "")
	}
	return result
}

func (bf *Builtins) SUM(_ *CallContext, args []Primitive) Primitive {
	nums, err := numbers(args)
	if err != nil {
		return err
	}
	return decimalSum(nums)
}

func (bf *Builtins) AVERAGE(_ *CallContext, args []Primitive) Primitive {
	nums, err := numbers(args)
	if err != nil {
		return err
	}
	if len(nums) == 0 {
		return NewFormulaError(ErrorCodeDiv0, "AVERAGE of no numbers")
	}
	sum, ok := decimalSum(nums).(float64)
	if !ok {
		return NewFormulaError(ErrorCodeNum, "")
	}
	return arithmetic(OpDivide, sum, float64(len(nums)))
}

func (bf *Builtins) COUNT(_ *CallContext, args []Primitive) Primitive {
	count := 0
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if _, ok := value.(float64); ok {
					count++
				}
			}
			continue
		}
		if _, ok := toNumber(arg); ok && arg != nil && isScalar(arg) {
			count++
		}
	}
	return float64(count)
}

func (bf *Builtins) COUNTA(_ *CallContext, args []Primitive) Primitive {
	count := 0
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if value != nil {
					count++
				}
			}
			continue
		}
		if arg != nil {
			count++
		}
	}
	return float64(count)
}

func (bf *Builtins) MAX(_ *CallContext, args []Primitive) Primitive {
	nums, err := numbers(args)
	if err != nil {
		return err
	}
	if len(nums) == 0 {
		return 0.0
	}
	result := nums[0]
	for _, num := range nums[1:] {
		result = max(result, num)
	}
	return result
}

func (bf *Builtins) MIN(_ *CallContext, args []Primitive) Primitive {
	nums, err := numbers(args)
	if err != nil {
		return err
	}
	if len(nums) == 0 {
		return 0.0
	}
	result := nums[0]
	for _, num := range nums[1:] {
		result = min(result, num)
	}
	return result
}

// IF picks a branch per cell. without a false branch a false condition
// gives FALSE.
func (bf *Builtins) IF(_ *CallContext, args []Primitive) Primitive {
	if err := arity("IF", args, 2, 3); err != nil {
		return err
	}
	return broadcastConditional(args, func(cells []Primitive) Primitive {
		if err := checkForError(cells[0]); err != nil {
			return err
		}
		condition, ok := toBool(cells[0])
		if !ok {
			return NewFormulaError(ErrorCodeValue, "IF condition is not a logical value")
		}
		if condition {
			return cells[1]
		}
		if len(cells) == 3 {
			return cells[2]
		}
		return false
	})
}

func (bf *Builtins) IFERROR(_ *CallContext, args []Primitive) Primitive {
	if err := arity("IFERROR", args, 2, 2); err != nil {
		return err
	}
	return broadcastConditional(args, func(cells []Primitive) Primitive {
		if checkForError(cells[0]) != nil {
			return cells[1]
		}
		return cells[0]
	})
}

// logicals folds the logical values of the arguments. text inside ranges
// is skipped.
func logicals(name string, args []Primitive, fold func(acc, v bool) bool, start bool) Primitive {
	acc, seen := start, false
	add := func(value Primitive, direct bool) *FormulaError {
		if err := checkForError(value); err != nil {
			return err
		}
		if _, isText := value.(string); (isText && !direct) || value == nil {
			return nil
		}
		b, ok := toBool(value)
		if !ok {
			return NewFormulaError(ErrorCodeValue, name+" expects logical values")
		}
		acc, seen = fold(acc, b), true
		return nil
	}
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if err := add(value, false); err != nil {
					return err
				}
			}
			continue
		}
		if err := add(arg, true); err != nil {
			return err
		}
	}
	if !seen {
		return NewFormulaError(ErrorCodeValue, name+" has no logical values")
	}
	return acc
}

func (bf *Builtins) AND(_ *CallContext, args []Primitive) Primitive {
	return logicals("AND", args, func(acc, v bool) bool { return acc && v }, true)
}

func (bf *Builtins) OR(_ *CallContext, args []Primitive) Primitive {
	return logicals("OR", args, func(acc, v bool) bool { return acc || v }, false)
}

func (bf *Builtins) NOT(_ *CallContext, args []Primitive) Primitive {
	if err := arity("NOT", args, 1, 1); err != nil {
		return err
	}
	return mapValues(args[0], func(v Primitive) Primitive {
		if err := checkForError(v); err != nil {
			return err
		}
		b, ok := toBool(v)
		if !ok {
			return NewFormulaError(ErrorCodeValue, "NOT expects a logical value")
		}
		return !b
	})
}

func (bf *Builtins) CONCATENATE(_ *CallContext, args []Primitive) Primitive {
	var result strings.Builder
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if err := checkForError(value); err != nil {
					return err
				}
				result.WriteString(toString(value))
			}
			continue
		}
		result.WriteString(toString(arg))
	}
	return result.String()
}

// text applies a string function element-wise
func text(name string, args []Primitive, fn func(string) Primitive) Primitive {
	if err := arity(name, args, 1, 1); err != nil {
		return err
	}
	return mapValues(args[0], func(v Primitive) Primitive {
		if err := checkForError(v); err != nil {
			return err
		}
		return fn(toString(v))
	})
}

func (bf *Builtins) LEN(_ *CallContext, args []Primitive) Primitive {
	return text("LEN", args, func(s string) Primitive { return float64(utf8.RuneCountInString(s)) })
}

func (bf *Builtins) UPPER(_ *CallContext, args []Primitive) Primitive {
	return text("UPPER", args, func(s string) Primitive { return strings.ToUpper(s) })
}

func (bf *Builtins) LOWER(_ *CallContext, args []Primitive) Primitive {
	return text("LOWER", args, func(s string) Primitive { return strings.ToLower(s) })
}

// numeric applies a number function element-wise
func numeric(name string, args []Primitive, fn func(float64) Primitive) Primitive {
	if err := arity(name, args, 1, 1); err != nil {
		return err
	}
	return mapValues(args[0], func(v Primitive) Primitive {
		if err := checkForError(v); err != nil {
			return err
		}
		num, ok := toNumber(v)
		if !ok {
			return NewFormulaError(ErrorCodeValue, name+" requires a numeric argument")
		}
		return fn(num)
	})
}

func (bf *Builtins) ABS(_ *CallContext, args []Primitive) Primitive {
	return numeric("ABS", args, func(n float64) Primitive { return math.Abs(n) })
}

func (bf *Builtins) SQRT(_ *CallContext, args []Primitive) Primitive {
	return numeric("SQRT", args, func(n float64) Primitive {
		if n < 0 {
			return NewFormulaError(ErrorCodeNum, "SQRT requires a non-negative argument")
		}
		return math.Sqrt(n)
	})
}

// roundContext rounds half away from zero like spreadsheets do
var roundContext = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfUp
	return c
}()

func (bf *Builtins) ROUND(_ *CallContext, args []Primitive) Primitive {
	if err := arity("ROUND", args, 1, 2); err != nil {
		return err
	}
	num, ok := toNumber(args[0])
	if !ok {
		return NewFormulaError(ErrorCodeValue, "ROUND requires a numeric first argument")
	}
	places := 0.0
	if len(args) == 2 {
		places, ok = toNumber(args[1])
		if !ok {
			return NewFormulaError(ErrorCodeValue, "ROUND requires a numeric second argument")
		}
	}

	var d, rounded apd.Decimal
	if _, err := d.SetFloat64(num); err != nil {
		return NewFormulaError(ErrorCodeNum, "")
	}
	if _, err := roundContext.Quantize(&rounded, &d, -int32(math.Trunc(places))); err != nil {
		return NewFormulaError(ErrorCodeNum, err.Error())
	}
	result, err := rounded.Float64()
	if err != nil {
		return NewFormulaError(ErrorCodeNum, "")
	}
	return result
}

func (bf *Builtins) POWER(_ *CallContext, args []Primitive) Primitive {
	if err := arity("POWER", args, 2, 2); err != nil {
		return err
	}
	return binaryOp(OpPower, args[0], args[1])
}

func (bf *Builtins) MOD(_ *CallContext, args []Primitive) Primitive {
	if err := arity("MOD", args, 2, 2); err != nil {
		return err
	}
	dividend, ok1 := toNumber(args[0])
	divisor, ok2 := toNumber(args[1])
	if !ok1 || !ok2 {
		return NewFormulaError(ErrorCodeValue, "MOD requires numeric arguments")
	}
	if divisor == 0 {
		return NewFormulaError(ErrorCodeDiv0, "division by zero")
	}
	// the result takes the sign of the divisor
	result := math.Mod(dividend, divisor)
	if result != 0 && (result < 0) != (divisor < 0) {
		result += divisor
	}
	return result
}

func (bf *Builtins) PI(_ *CallContext, args []Primitive) Primitive {
	if err := arity("PI", args, 0, 0); err != nil {
		return err
	}
	return math.Pi
}

// Excel date/time constants
const (
	// December 30, 1899 00:00:00 UTC in Unix milliseconds, day zero of the
	// serial date system
	excelEpochMs = -2209161600000
	msPerDay     = 86400000
)

func (bf *Builtins) NOW(_ *CallContext, args []Primitive) Primitive {
	if err := arity("NOW", args, 0, 0); err != nil {
		return err
	}
	// current time as a serial number, days since the epoch
	diffMs := float64(bf.clock.Now().UnixMilli() - excelEpochMs)
	return diffMs / msPerDay
}

func (bf *Builtins) RAND(_ *CallContext, args []Primitive) Primitive {
	if err := arity("RAND", args, 0, 0); err != nil {
		return err
	}
	return bf.rng.Float64()
}

// position returns the 1-based row or column of a reference, or of the
// calling cell when no reference is given
func position(name string, args []Primitive, pick func(r RangeAddress) int, self int) Primitive {
	if err := arity(name, args, 0, 1); err != nil {
		return err
	}
	if len(args) == 0 || args[0] == nil {
		return float64(self + 1)
	}
	ref, ok := args[0].(*ReferenceValue)
	if !ok {
		return NewFormulaError(ErrorCodeValue, name+" requires a reference")
	}
	return float64(pick(ref.Range) + 1)
}

func (bf *Builtins) ROW(call *CallContext, args []Primitive) Primitive {
	return position("ROW", args, func(r RangeAddress) int { return r.StartRow }, call.Cell.Row)
}

func (bf *Builtins) COLUMN(call *CallContext, args []Primitive) Primitive {
	return position("COLUMN", args, func(r RangeAddress) int { return r.StartColumn }, call.Cell.Column)
}

func (bf *Builtins) ROWS(_ *CallContext, args []Primitive) Primitive {
	if err := arity("ROWS", args, 1, 1); err != nil {
		return err
	}
	switch v := args[0].(type) {
	case *ReferenceValue:
		return float64(v.Range.Rows())
	case *ArrayValue:
		return float64(v.Rows)
	}
	return 1.0
}

func (bf *Builtins) COLUMNS(_ *CallContext, args []Primitive) Primitive {
	if err := arity("COLUMNS", args, 1, 1); err != nil {
		return err
	}
	switch v := args[0].(type) {
	case *ReferenceValue:
		return float64(v.Range.Columns())
	case *ArrayValue:
		return float64(v.Columns)
	}
	return 1.0
}

// SEQUENCE(rows, [columns], [start], [step])
func (bf *Builtins) SEQUENCE(_ *CallContext, args []Primitive) Primitive {
	if err := arity("SEQUENCE", args, 1, 4); err != nil {
		return err
	}
	params := []float64{0, 1, 1, 1}
	for i, arg := range args {
		if arg == nil {
			continue
		}
		num, ok := toNumber(arg)
		if !ok {
			return NewFormulaError(ErrorCodeValue, "SEQUENCE requires numeric arguments")
		}
		params[i] = num
	}
	rows, cols := int(params[0]), int(params[1])
	if rows < 1 || cols < 1 {
		return NewFormulaError(ErrorCodeCalc, "SEQUENCE of no values")
	}
	if rows > MaxRows || cols > MaxColumns {
		return NewFormulaError(ErrorCodeNum, "SEQUENCE too large")
	}
	out := NewArrayValue(rows, cols)
	for i := range out.Values {
		out.Values[i] = arithmetic(OpAdd, params[2], float64(i)*params[3])
	}
	return out
}

// MAP(array, lambda) applies a one-parameter lambda to every element
func (bf *Builtins) MAP(call *CallContext, args []Primitive) Primitive {
	if err := arity("MAP", args, 2, 2); err != nil {
		return err
	}
	fn, ok := args[1].(*LambdaValue)
	if !ok {
		return NewFormulaError(ErrorCodeValue, "MAP requires a LAMBDA")
	}
	return mapValues(args[0], func(v Primitive) Primitive {
		return call.CallLambda(fn, v)
	})
}
