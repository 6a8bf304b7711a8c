package formula

import (
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"golang.org/x/text/cases"
)

// decimalContext carries enough digits that sums like 0.1+0.2 stay exact
// before the result is converted back to float64
var decimalContext = apd.BaseContext.WithPrecision(34)

// foldText folds case for comparisons. a Caser keeps state, so one is made
// per call.
func foldText(s string) string {
	return cases.Fold().String(s)
}

// operand dereferences a reference for use by an operator: a single cell
// becomes its value, a larger range becomes an array
func operand(value Primitive) Primitive {
	if ref, ok := value.(*ReferenceValue); ok {
		if ref.IsCell() {
			return ref.Cell(0, 0)
		}
		return ref.ToArray()
	}
	return value
}

// arithmetic applies + - * / in decimal arithmetic
func arithmetic(op string, a, b float64) Primitive {
	if op == OpDivide && b == 0 {
		return NewFormulaError(ErrorCodeDiv0, "division by zero")
	}

	var x, y, z apd.Decimal
	if _, err := x.SetFloat64(a); err != nil {
		return NewFormulaError(ErrorCodeNum, "")
	}
	if _, err := y.SetFloat64(b); err != nil {
		return NewFormulaError(ErrorCodeNum, "")
	}

	var err error
	switch op {
	case OpAdd:
		_, err = decimalContext.Add(&z, &x, &y)
	case OpSubtract:
		_, err = decimalContext.Sub(&z, &x, &y)
	case OpMultiply:
		_, err = decimalContext.Mul(&z, &x, &y)
	case OpDivide:
		_, err = decimalContext.Quo(&z, &x, &y)
	default:
		return NewFormulaError(ErrorCodeValue, "unknown operator "+op)
	}
	if err != nil {
		return NewFormulaError(ErrorCodeNum, err.Error())
	}

	result, err := z.Float64()
	if err != nil || math.IsInf(result, 0) || math.IsNaN(result) {
		return NewFormulaError(ErrorCodeNum, "")
	}
	return result
}

func power(base, exp float64) Primitive {
	if base == 0 && exp < 0 {
		return NewFormulaError(ErrorCodeDiv0, "division by zero")
	}
	result := math.Pow(base, exp)
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return NewFormulaError(ErrorCodeNum, "")
	}
	return result
}

// scalarBinary applies a binary operator to two scalars
func scalarBinary(op string, left, right Primitive) Primitive {
	// errors propagate, left first
	if err := checkForError(left); err != nil {
		return err
	}
	if err := checkForError(right); err != nil {
		return err
	}
	if !isScalar(left) || !isScalar(right) {
		return NewFormulaError(ErrorCodeValue, "operator "+op+" requires scalar operands")
	}

	switch op {
	case OpConcat:
		return toString(left) + toString(right)
	case OpEqual:
		return comparePrimitives(left, right) == 0
	case OpNotEqual:
		return comparePrimitives(left, right) != 0
	case OpLess:
		return comparePrimitives(left, right) < 0
	case OpLessEqual:
		return comparePrimitives(left, right) <= 0
	case OpGreater:
		return comparePrimitives(left, right) > 0
	case OpGreaterEqual:
		return comparePrimitives(left, right) >= 0
	}

	leftNum, leftOk := toNumber(left)
	rightNum, rightOk := toNumber(right)
	if !leftOk || !rightOk {
		return NewFormulaError(ErrorCodeValue, "operator "+op+" requires numeric values")
	}
	if op == OpPower {
		return power(leftNum, rightNum)
	}
	return arithmetic(op, leftNum, rightNum)
}

// binaryOp applies a binary operator, broadcasting over arrays
func binaryOp(op string, left, right Primitive) Primitive {
	left, right = operand(left), operand(right)
	_, leftArray := left.(*ArrayValue)
	_, rightArray := right.(*ArrayValue)
	if !leftArray && !rightArray {
		return scalarBinary(op, left, right)
	}
	return broadcastBinary(left, right, func(a, b Primitive) Primitive {
		return scalarBinary(op, a, b)
	})
}

// unaryOp applies prefix + and - and postfix %, element-wise over arrays
func unaryOp(op string, value Primitive) Primitive {
	value = operand(value)
	if op == OpAdd {
		return value
	}
	return mapValues(value, func(v Primitive) Primitive {
		if err := checkForError(v); err != nil {
			return err
		}
		num, ok := toNumber(v)
		if !ok || !isScalar(v) {
			return NewFormulaError(ErrorCodeValue, "operator "+op+" requires a numeric value")
		}
		if op == OpPercent {
			return arithmetic(OpDivide, num, 100)
		}
		if num == 0 {
			return 0.0
		}
		return -num
	})
}

func isScalar(value Primitive) bool {
	switch value.(type) {
	case nil, float64, string, bool, *FormulaError:
		return true
	}
	return false
}

// type order for comparisons: numbers < text < logicals
func typeRank(value Primitive) int {
	switch value.(type) {
	case string:
		return 1
	case bool:
		return 2
	default:
		return 0
	}
}

// comparePrimitives compares two scalar values. returns -1 if left < right,
// 0 if equal, 1 if left > right. a blank compares as the zero value of the
// other side's type.
func comparePrimitives(left, right Primitive) int {
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		left = zeroLike(right)
	}
	if right == nil {
		right = zeroLike(left)
	}

	if lr, rr := typeRank(left), typeRank(right); lr != rr {
		if lr < rr {
			return -1
		}
		return 1
	}

	switch l := left.(type) {
	case string:
		return strings.Compare(foldText(l), foldText(right.(string)))
	case bool:
		r := right.(bool)
		switch {
		case l == r:
			return 0
		case !l:
			return -1
		default:
			return 1
		}
	}

	leftNum, _ := toNumber(left)
	rightNum, _ := toNumber(right)
	switch {
	case leftNum < rightNum:
		return -1
	case leftNum > rightNum:
		return 1
	}
	return 0
}

func zeroLike(value Primitive) Primitive {
	switch value.(type) {
	case string:
		return ""
	case bool:
		return false
	default:
		return 0.0
	}
}

// toNumber converts value to number, returning ok=false if conversion fails
func toNumber(value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		return parseNumber(strings.TrimSpace(v))
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// parseNumber parses numeric text. Go-only spellings such as "inf", "nan",
// hex floats and digit separators are not numbers in a cell.
func parseNumber(text string) (float64, bool) {
	if text == "" || strings.ContainsAny(text, "xX_") {
		return 0, false
	}
	num, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(num, 0) || math.IsNaN(num) {
		return 0, false
	}
	return num, true
}

// toString converts value to the text a cell would show
func toString(value Primitive) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return formatNumber(v)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case *FormulaError:
		return v.Code.String()
	case interface{ String() string }:
		return v.String()
	}
	return ""
}

// toBool converts value to a logical. text converts only when it spells
// TRUE or FALSE.
func toBool(value Primitive) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case nil:
		return false, true
	case float64:
		return v != 0, true
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "TRUE":
			return true, true
		case "FALSE":
			return false, true
		}
	}
	return false, false
}

// formatNumber renders up to 15 significant digits, the precision
// spreadsheets display
func formatNumber(v float64) string {
	if v == 0 {
		return "0"
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', 15, 64)
}
