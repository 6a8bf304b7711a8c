package formula

import (
	"fmt"
	"iter"
	"strings"
	"sync"
)

// sheet limits, matching the Excel grid
const (
	MaxRows    = 1048576
	MaxColumns = 16384
)

// RangeAddress is a rectangle of cells within a single sheet. rows and
// columns are zero-based and inclusive.
type RangeAddress struct {
	StartRow    int
	StartColumn int
	EndRow      int
	EndColumn   int
}

// CellRange creates a 1x1 range.
func CellRange(row, col int) RangeAddress {
	return RangeAddress{StartRow: row, StartColumn: col, EndRow: row, EndColumn: col}
}

// normalize orders the corners so that start <= end
func (r RangeAddress) normalize() RangeAddress {
	if r.StartRow > r.EndRow {
		r.StartRow, r.EndRow = r.EndRow, r.StartRow
	}
	if r.StartColumn > r.EndColumn {
		r.StartColumn, r.EndColumn = r.EndColumn, r.StartColumn
	}
	return r
}

func (r RangeAddress) Rows() int {
	return r.EndRow - r.StartRow + 1
}

func (r RangeAddress) Columns() int {
	return r.EndColumn - r.StartColumn + 1
}

func (r RangeAddress) IsCell() bool {
	return r.StartRow == r.EndRow && r.StartColumn == r.EndColumn
}

// Contains checks if a cell is within the range
func (r RangeAddress) Contains(row, col int) bool {
	return row >= r.StartRow && row <= r.EndRow &&
		col >= r.StartColumn && col <= r.EndColumn
}

// Intersects checks if two ranges share at least one cell
func (r RangeAddress) Intersects(o RangeAddress) bool {
	return r.StartRow <= o.EndRow && o.StartRow <= r.EndRow &&
		r.StartColumn <= o.EndColumn && o.StartColumn <= r.EndColumn
}

// Union returns the bounding rectangle of both ranges
func (r RangeAddress) Union(o RangeAddress) RangeAddress {
	return RangeAddress{
		StartRow:    min(r.StartRow, o.StartRow),
		StartColumn: min(r.StartColumn, o.StartColumn),
		EndRow:      max(r.EndRow, o.EndRow),
		EndColumn:   max(r.EndColumn, o.EndColumn),
	}
}

func (r RangeAddress) String() string {
	if r.IsCell() {
		return CellName(r.StartRow, r.StartColumn)
	}
	if r.StartRow == 0 && r.EndRow == MaxRows-1 {
		return ColumnName(r.StartColumn) + ":" + ColumnName(r.EndColumn)
	}
	if r.StartColumn == 0 && r.EndColumn == MaxColumns-1 {
		return fmt.Sprintf("%d:%d", r.StartRow+1, r.EndRow+1)
	}
	return CellName(r.StartRow, r.StartColumn) + ":" + CellName(r.EndRow, r.EndColumn)
}

// ColumnName converts a zero-based column index to letters (0 -> A, 26 -> AA)
func ColumnName(col int) string {
	var buf [4]byte
	i := len(buf)
	for col >= 0 {
		i--
		buf[i] = byte('A' + col%26)
		col = col/26 - 1
	}
	return string(buf[i:])
}

// CellName converts zero-based coordinates to A1 notation
func CellName(row, col int) string {
	return fmt.Sprintf("%s%d", ColumnName(col), row+1)
}

// Reference is a resolved range in a specific unit and sheet.
type Reference struct {
	UnitID  string
	SheetID string
	Range   RangeAddress
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s!%s", r.UnitID, r.SheetID, r.Range)
}

// ContainsCell checks if the reference covers the given cell
func (r Reference) ContainsCell(k CellKey) bool {
	return r.UnitID == k.UnitID && r.SheetID == k.SheetID && r.Range.Contains(k.Row, k.Column)
}

// Overlaps checks if two references share a cell
func (r Reference) Overlaps(o Reference) bool {
	return r.UnitID == o.UnitID && r.SheetID == o.SheetID && r.Range.Intersects(o.Range)
}

// Range represents a lazy range type for memory-efficient formula evaluation
type Range interface {
	Dimensions() (rows, cols int)
	IterateValues() iter.Seq[Primitive]
}

var (
	_ Range = (*ReferenceValue)(nil)
	_ Range = (*ArrayValue)(nil)
)

// ReferenceValue is the value of a reference expression. cells are read
// through the reader only when a consumer iterates or materializes it.
type ReferenceValue struct {
	Reference
	reader DataReader
}

// NewReferenceValue binds a reference to the reader its cells come from.
func NewReferenceValue(ref Reference, reader DataReader) *ReferenceValue {
	ref.Range = ref.Range.normalize()
	return &ReferenceValue{Reference: ref, reader: reader}
}

// bounds returns the part of the reference that exists on the sheet.
// whole-column and whole-row references only read the used part.
func (v *ReferenceValue) bounds() (RangeAddress, bool) {
	if v.reader == nil {
		return v.Range, false
	}
	rows, cols, ok := v.reader.SheetSize(v.UnitID, v.SheetID)
	if !ok {
		return v.Range, false
	}
	b := v.Range
	if b.StartRow == 0 && b.EndRow == MaxRows-1 {
		b.EndRow = rows - 1
	}
	if b.StartColumn == 0 && b.EndColumn == MaxColumns-1 {
		b.EndColumn = cols - 1
	}
	return b, b.StartRow <= b.EndRow && b.StartColumn <= b.EndColumn
}

// Dimensions returns the number of readable rows and columns
func (v *ReferenceValue) Dimensions() (int, int) {
	b, ok := v.bounds()
	if !ok {
		return 0, 0
	}
	return b.Rows(), b.Columns()
}

// IsCell reports whether the reference names a single cell
func (v *ReferenceValue) IsCell() bool {
	return v.Range.IsCell()
}

// Cell reads the value at an offset from the top-left corner
func (v *ReferenceValue) Cell(rowOffset, colOffset int) Primitive {
	if v.reader == nil {
		return nil
	}
	return v.reader.Value(v.UnitID, v.SheetID, v.Range.StartRow+rowOffset, v.Range.StartColumn+colOffset)
}

// IterateValues returns an iterator over cell values in row-major order
func (v *ReferenceValue) IterateValues() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		b, ok := v.bounds()
		if !ok {
			return
		}
		for row := b.StartRow; row <= b.EndRow; row++ {
			for col := b.StartColumn; col <= b.EndColumn; col++ {
				if !yield(v.reader.Value(v.UnitID, v.SheetID, row, col)) {
					return
				}
			}
		}
	}
}

// ToArray materializes the referenced cells
func (v *ReferenceValue) ToArray() *ArrayValue {
	rows, cols := v.Dimensions()
	arr := NewArrayValue(rows, cols)
	arr.Origin = CellKey{UnitID: v.UnitID, SheetID: v.SheetID, Row: v.Range.StartRow, Column: v.Range.StartColumn}
	i := 0
	for value := range v.IterateValues() {
		arr.Values[i] = value
		i++
	}
	return arr
}

// DefinedNames maps workbook-level names to reference text, for example
// "Totals" -> "Sheet1!$B$2:$B$10". lookups are case-insensitive.
type DefinedNames struct {
	mu       sync.RWMutex
	nameToID map[string]uint32 // upper-cased name -> ID
	idToName map[uint32]string // ID -> name as defined
	formulas map[uint32]string // ID -> reference text
	nextID   uint32
}

// NewDefinedNames creates an empty name table
func NewDefinedNames() *DefinedNames {
	return &DefinedNames{
		nameToID: make(map[string]uint32),
		idToName: make(map[uint32]string),
		formulas: make(map[uint32]string),
		nextID:   1, // start at 1, reserve 0 for no name
	}
}

// Define defines or redefines a name and returns its ID
func (dn *DefinedNames) Define(name, text string) uint32 {
	dn.mu.Lock()
	defer dn.mu.Unlock()

	key := strings.ToUpper(name)
	if id, exists := dn.nameToID[key]; exists {
		dn.formulas[id] = text
		dn.idToName[id] = name
		return id
	}

	id := dn.nextID
	dn.nameToID[key] = id
	dn.idToName[id] = name
	dn.formulas[id] = text
	dn.nextID++
	return id
}

// Undefine removes a name. returns false if it was never defined.
func (dn *DefinedNames) Undefine(name string) bool {
	dn.mu.Lock()
	defer dn.mu.Unlock()

	key := strings.ToUpper(name)
	id, exists := dn.nameToID[key]
	if !exists {
		return false
	}
	delete(dn.nameToID, key)
	delete(dn.idToName, id)
	delete(dn.formulas, id)
	return true
}

// Lookup returns the reference text for a name
func (dn *DefinedNames) Lookup(name string) (string, bool) {
	if dn == nil {
		return "", false
	}
	dn.mu.RLock()
	defer dn.mu.RUnlock()

	id, exists := dn.nameToID[strings.ToUpper(name)]
	if !exists {
		return "", false
	}
	return dn.formulas[id], true
}

// Count returns the number of defined names
func (dn *DefinedNames) Count() int {
	dn.mu.RLock()
	defer dn.mu.RUnlock()
	return len(dn.nameToID)
}
