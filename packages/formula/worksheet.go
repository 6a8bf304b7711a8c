package formula

import (
	"fmt"
	"sort"
)

// chunk dimensions. powers of 2 so locating a cell is shifts and masks.
const (
	ChunkRows = 64
	ChunkCols = 64
	ChunkSize = ChunkRows * ChunkCols
)

// ChunkKey represents the key for indexing chunks in Worksheet
type ChunkKey struct {
	ChunkRow int
	ChunkCol int
}

// Chunk is a ChunkRows x ChunkCols region of cells in structure-of-arrays
// layout. only Types exists initially; the other arrays are allocated the
// first time a cell needs them.
type Chunk struct {
	Types         []uint8 // CellType for each position
	NonEmptyCount int     // cells holding a value or a formula

	Numbers    []float64 // numbers, booleans as 0/1, error codes (lazy)
	StringIDs  []uint32  // interned text and error messages (lazy)
	FormulaIDs []uint32  // interned formula text (lazy)
}

func newChunk() *Chunk {
	return &Chunk{Types: make([]uint8, ChunkSize)}
}

func (c *Chunk) hasFormula(idx int) bool {
	return c.FormulaIDs != nil && c.FormulaIDs[idx] != 0
}

func (c *Chunk) occupied(idx int) bool {
	return c.Types[idx] != uint8(CellValueTypeEmpty) || c.hasFormula(idx)
}

// Worksheet is sparse cell storage for one sheet. cells are partitioned
// into chunks so clustered data stays local and empty regions cost nothing.
// a cell holds a value, a formula, or both (the formula and its last
// result).
type Worksheet struct {
	ID   string
	Name string

	chunks     map[ChunkKey]*Chunk
	strings    *StringTable
	formulaIDs map[[2]int]string // caller supplied formula IDs by position
	totalCells int
	formulas   int

	// used extent, a high-water mark of occupied cells
	rows, cols int
}

// NewWorksheet creates an empty worksheet. strings is shared by all sheets
// of a workbook.
func NewWorksheet(id, name string, strings *StringTable) *Worksheet {
	if strings == nil {
		strings = NewStringTable()
	}
	return &Worksheet{
		ID:         id,
		Name:       name,
		chunks:     make(map[ChunkKey]*Chunk),
		strings:    strings,
		formulaIDs: make(map[[2]int]string),
	}
}

func checkCell(row, col int) error {
	if row < 0 || row >= MaxRows || col < 0 || col >= MaxColumns {
		return NewApplicationError(InvalidArgument, ErrInvalidCell,
			fmt.Sprintf("cell (%d, %d) is outside the sheet", row, col))
	}
	return nil
}

func locate(row, col int) (ChunkKey, int) {
	key := ChunkKey{ChunkRow: row / ChunkRows, ChunkCol: col / ChunkCols}
	// column-first indexing, ranges are mostly read down columns
	return key, (col%ChunkCols)*ChunkRows + row%ChunkRows
}

func (w *Worksheet) chunk(row, col int, create bool) (*Chunk, ChunkKey, int) {
	key, idx := locate(row, col)
	c, exists := w.chunks[key]
	if !exists && create {
		c = newChunk()
		w.chunks[key] = c
	}
	return c, key, idx
}

// Value returns the value of a cell, nil when blank
func (w *Worksheet) Value(row, col int) Primitive {
	if checkCell(row, col) != nil {
		return nil
	}
	c, _, idx := w.chunk(row, col, false)
	if c == nil {
		return nil
	}

	switch CellType(c.Types[idx]) {
	case CellValueTypeNumber:
		return c.Numbers[idx]
	case CellValueTypeBoolean:
		return c.Numbers[idx] != 0
	case CellValueTypeString:
		s, _ := w.strings.Get(c.StringIDs[idx])
		return s
	case CellValueTypeError:
		message, _ := w.strings.Get(c.StringIDs[idx])
		return &FormulaError{Code: ErrorCode(c.Numbers[idx]), Message: message}
	}
	return nil
}

// SetValue stores a value, keeping any formula in the cell. nil clears the
// value.
func (w *Worksheet) SetValue(row, col int, value Primitive) error {
	if err := checkCell(row, col); err != nil {
		return err
	}
	switch v := value.(type) {
	case int:
		value = float64(v)
	case int64:
		value = float64(v)
	case nil, float64, string, bool, *FormulaError:
	default:
		return NewApplicationError(InvalidArgument, ErrInvalidCell,
			fmt.Sprintf("cell %s cannot hold a %T", CellName(row, col), value))
	}

	c, key, idx := w.chunk(row, col, value != nil)
	if c == nil {
		return nil
	}
	wasOccupied := c.occupied(idx)
	w.clearValue(c, idx)

	switch v := value.(type) {
	case float64:
		c.Types[idx] = uint8(CellValueTypeNumber)
		w.number(c)[idx] = v
	case bool:
		c.Types[idx] = uint8(CellValueTypeBoolean)
		w.number(c)[idx] = 0
		if v {
			w.number(c)[idx] = 1
		}
	case string:
		c.Types[idx] = uint8(CellValueTypeString)
		w.text(c)[idx] = w.strings.Intern(v)
	case *FormulaError:
		c.Types[idx] = uint8(CellValueTypeError)
		// error code in Numbers, message in the string table
		w.number(c)[idx] = float64(v.Code)
		w.text(c)[idx] = w.strings.Intern(v.Message)
	}
	w.track(c, key, idx, row, col, wasOccupied)
	return nil
}

// SetFormula stores formula text in a cell, keeping its value as the last
// result. formulaID is an optional caller identifier reported back through
// Formulas. empty text removes the formula.
func (w *Worksheet) SetFormula(row, col int, text, formulaID string) error {
	if err := checkCell(row, col); err != nil {
		return err
	}
	c, key, idx := w.chunk(row, col, text != "")
	if c == nil {
		return nil
	}
	wasOccupied := c.occupied(idx)

	if c.hasFormula(idx) {
		w.strings.Release(c.FormulaIDs[idx])
		c.FormulaIDs[idx] = 0
		w.formulas--
	}
	delete(w.formulaIDs, [2]int{row, col})
	if text != "" {
		if c.FormulaIDs == nil {
			c.FormulaIDs = make([]uint32, ChunkSize)
		}
		c.FormulaIDs[idx] = w.strings.Intern(text)
		w.formulas++
		if formulaID != "" {
			w.formulaIDs[[2]int{row, col}] = formulaID
		}
	}
	w.track(c, key, idx, row, col, wasOccupied)
	return nil
}

// Formula returns the formula text of a cell
func (w *Worksheet) Formula(row, col int) (string, bool) {
	if checkCell(row, col) != nil {
		return "", false
	}
	c, _, idx := w.chunk(row, col, false)
	if c == nil || !c.hasFormula(idx) {
		return "", false
	}
	return w.strings.Get(c.FormulaIDs[idx])
}

// Remove clears the value and formula of a cell
func (w *Worksheet) Remove(row, col int) {
	if checkCell(row, col) != nil {
		return
	}
	_ = w.SetFormula(row, col, "", "")
	_ = w.SetValue(row, col, nil)
}

// Formulas lists the formula cells ordered by row, then column
func (w *Worksheet) Formulas() []FormulaCell {
	cells := make([]FormulaCell, 0, w.formulas)
	for key, c := range w.chunks {
		if c.FormulaIDs == nil {
			continue
		}
		for idx, id := range c.FormulaIDs {
			if id == 0 {
				continue
			}
			row := key.ChunkRow*ChunkRows + idx%ChunkRows
			col := key.ChunkCol*ChunkCols + idx/ChunkRows
			text, _ := w.strings.Get(id)
			cells = append(cells, FormulaCell{
				Row:       row,
				Column:    col,
				Formula:   text,
				FormulaID: w.formulaIDs[[2]int{row, col}],
			})
		}
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Column < cells[j].Column
	})
	return cells
}

// Size returns the used extent of the sheet
func (w *Worksheet) Size() (rows, cols int) {
	return w.rows, w.cols
}

// Count returns the number of occupied cells
func (w *Worksheet) Count() int {
	return w.totalCells
}

// FormulaCount returns the number of formula cells
func (w *Worksheet) FormulaCount() int {
	return w.formulas
}

func (w *Worksheet) number(c *Chunk) []float64 {
	if c.Numbers == nil {
		c.Numbers = make([]float64, ChunkSize)
	}
	return c.Numbers
}

func (w *Worksheet) text(c *Chunk) []uint32 {
	if c.StringIDs == nil {
		c.StringIDs = make([]uint32, ChunkSize)
	}
	return c.StringIDs
}

// clearValue releases the text held by a cell and marks its value empty
func (w *Worksheet) clearValue(c *Chunk, idx int) {
	switch CellType(c.Types[idx]) {
	case CellValueTypeString, CellValueTypeError:
		w.strings.Release(c.StringIDs[idx])
		c.StringIDs[idx] = 0
	}
	c.Types[idx] = uint8(CellValueTypeEmpty)
}

// track updates the counters after a cell changed and drops chunks that
// became empty
func (w *Worksheet) track(c *Chunk, key ChunkKey, idx, row, col int, wasOccupied bool) {
	occupied := c.occupied(idx)
	switch {
	case occupied && !wasOccupied:
		c.NonEmptyCount++
		w.totalCells++
	case !occupied && wasOccupied:
		c.NonEmptyCount--
		w.totalCells--
	}
	if occupied {
		w.rows = max(w.rows, row+1)
		w.cols = max(w.cols, col+1)
	}
	if c.NonEmptyCount == 0 {
		delete(w.chunks, key)
	}
}
