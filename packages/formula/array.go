package formula

import (
	"fmt"
	"iter"
	"strings"
)

// ArrayValue is a rows x columns grid of scalar values stored row-major.
// Origin records where the array came from when it was read from or
// spilled onto a sheet.
type ArrayValue struct {
	Rows    int
	Columns int
	Values  []Primitive
	Origin  CellKey
}

// NewArrayValue allocates a blank array
func NewArrayValue(rows, cols int) *ArrayValue {
	return &ArrayValue{
		Rows:    rows,
		Columns: cols,
		Values:  make([]Primitive, rows*cols),
	}
}

// ArrayFromRows builds an array from nested rows. rows of unequal length
// are rejected.
func ArrayFromRows(rows [][]Primitive) (*ArrayValue, error) {
	if len(rows) == 0 {
		return NewArrayValue(0, 0), nil
	}
	cols := len(rows[0])
	arr := NewArrayValue(len(rows), cols)
	for r, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("array row %d has %d columns, expected %d", r+1, len(row), cols)
		}
		copy(arr.Values[r*cols:], row)
	}
	return arr, nil
}

// ColumnVector builds an n x 1 array
func ColumnVector(values ...Primitive) *ArrayValue {
	arr := NewArrayValue(len(values), 1)
	copy(arr.Values, values)
	return arr
}

// RowVector builds a 1 x n array
func RowVector(values ...Primitive) *ArrayValue {
	arr := NewArrayValue(1, len(values))
	copy(arr.Values, values)
	return arr
}

func (a *ArrayValue) Dimensions() (int, int) {
	return a.Rows, a.Columns
}

// At returns the value at (row, col), or false when outside the extent
func (a *ArrayValue) At(row, col int) (Primitive, bool) {
	if row < 0 || col < 0 || row >= a.Rows || col >= a.Columns {
		return nil, false
	}
	return a.Values[row*a.Columns+col], true
}

func (a *ArrayValue) Set(row, col int, value Primitive) {
	a.Values[row*a.Columns+col] = value
}

// IterateValues returns an iterator over values in row-major order
func (a *ArrayValue) IterateValues() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		for _, v := range a.Values {
			if !yield(v) {
				return
			}
		}
	}
}

// Extent returns the sheet rectangle the array covers when anchored at
// its origin
func (a *ArrayValue) Extent(anchorRow, anchorCol int) RangeAddress {
	return RangeAddress{
		StartRow:    anchorRow,
		StartColumn: anchorCol,
		EndRow:      anchorRow + max(a.Rows, 1) - 1,
		EndColumn:   anchorCol + max(a.Columns, 1) - 1,
	}
}

// String renders the array in array-literal form, e.g. {1,2;3,4}
func (a *ArrayValue) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for r := 0; r < a.Rows; r++ {
		if r > 0 {
			sb.WriteByte(';')
		}
		for c := 0; c < a.Columns; c++ {
			if c > 0 {
				sb.WriteByte(',')
			}
			v := a.Values[r*a.Columns+c]
			if s, ok := v.(string); ok {
				sb.WriteString(quoteString(s))
			} else {
				sb.WriteString(FormatValue(v))
			}
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

// LambdaValue is a closure created by LAMBDA. it captures the names bound
// by enclosing LET and LAMBDA scopes.
type LambdaValue struct {
	Params []string
	Body   AstNode
	scope  *scope
}

func (l *LambdaValue) String() string {
	return fmt.Sprintf("LAMBDA(%s)", strings.Join(l.Params, ","))
}

func quoteString(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
