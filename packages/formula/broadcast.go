package formula

// extent returns the dimensions a value has as an operand. scalars are 1x1.
func extent(value Primitive) (int, int) {
	if arr, ok := value.(*ArrayValue); ok {
		return arr.Rows, arr.Columns
	}
	return 1, 1
}

func notAvailable() *FormulaError {
	return NewFormulaError(ErrorCodeNA, "")
}

// expandAt reads an operand for binary broadcasting: single rows repeat
// down, single columns repeat across
func expandAt(value Primitive, row, col int) (Primitive, bool) {
	arr, ok := value.(*ArrayValue)
	if !ok {
		return value, true
	}
	if arr.Rows == 1 {
		row = 0
	}
	if arr.Columns == 1 {
		col = 0
	}
	return arr.At(row, col)
}

// broadcastBinary combines two operands cell by cell. the result has the
// larger of each dimension; cells that one operand cannot reach are #N/A.
func broadcastBinary(left, right Primitive, fn func(a, b Primitive) Primitive) Primitive {
	lr, lc := extent(left)
	rr, rc := extent(right)
	out := NewArrayValue(max(lr, rr), max(lc, rc))
	for row := 0; row < out.Rows; row++ {
		for col := 0; col < out.Columns; col++ {
			a, okA := expandAt(left, row, col)
			b, okB := expandAt(right, row, col)
			if !okA || !okB {
				out.Set(row, col, notAvailable())
				continue
			}
			out.Set(row, col, fn(a, b))
		}
	}
	return out
}

// broadcastConditional applies fn cell by cell for the IF family. the
// result has the largest row and column count of any operand. a 1x1
// operand applies to every cell; any other operand that has no value at a
// cell makes that cell #N/A.
func broadcastConditional(operands []Primitive, fn func(cells []Primitive) Primitive) Primitive {
	rows, cols := 1, 1
	arrays := false
	for i, v := range operands {
		v = operand(v)
		operands[i] = v
		if _, ok := v.(*ArrayValue); ok {
			arrays = true
			r, c := extent(v)
			rows, cols = max(rows, r), max(cols, c)
		}
	}
	if !arrays {
		return fn(operands)
	}

	out := NewArrayValue(rows, cols)
	cells := make([]Primitive, len(operands))
	for row := 0; row < rows; row++ {
	cell:
		for col := 0; col < cols; col++ {
			for i, v := range operands {
				arr, ok := v.(*ArrayValue)
				switch {
				case !ok:
					cells[i] = v
				case arr.Rows == 1 && arr.Columns == 1:
					cells[i] = arr.Values[0]
				default:
					value, inside := arr.At(row, col)
					if !inside {
						out.Set(row, col, notAvailable())
						continue cell
					}
					cells[i] = value
				}
			}
			out.Set(row, col, fn(cells))
		}
	}
	return out
}

// mapValues applies fn to a scalar, or to every element of an array or
// range
func mapValues(value Primitive, fn func(Primitive) Primitive) Primitive {
	switch v := operand(value).(type) {
	case *ArrayValue:
		out := NewArrayValue(v.Rows, v.Columns)
		for i, elem := range v.Values {
			out.Values[i] = fn(elem)
		}
		return out
	default:
		return fn(v)
	}
}
