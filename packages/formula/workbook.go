package formula

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/text/cases"
)

// SheetInfo describes one sheet of a unit
type SheetInfo struct {
	ID      string
	Name    string
	Rows    int
	Columns int
}

// FormulaCell is a cell carrying formula text
type FormulaCell struct {
	Row       int
	Column    int
	Formula   string
	FormulaID string
}

// Workbook is the read-only view of workbook data the engine calculates
// against. values of formula cells are the results of the last calculation.
type Workbook interface {
	DataReader
	// UnitIDs lists the units (workbooks) in a stable order
	UnitIDs() []string
	// ResolveUnit finds a unit by name, case-insensitively
	ResolveUnit(name string) (string, bool)
	// Sheets lists the sheets of a unit in tab order
	Sheets(unitID string) []SheetInfo
	// ResolveSheet finds a sheet of a unit by name, case-insensitively
	ResolveSheet(unitID, name string) (string, bool)
	// Formula returns the formula text of a cell
	Formula(unitID, sheetID string, row, col int) (string, bool)
	// Formulas lists the formula cells of a sheet ordered by row, then column
	Formulas(unitID, sheetID string) []FormulaCell
}

// ReferenceLookup resolves structured table references, such as
// Table1[[#All],[Amount]], for a unit. it may block on the caller's data
// source.
type ReferenceLookup interface {
	LookupTable(ctx context.Context, unitID, text string) (Reference, bool, error)
}

// TableLookupFunc adapts a function to ReferenceLookup
type TableLookupFunc func(ctx context.Context, unitID, text string) (Reference, bool, error)

func (f TableLookupFunc) LookupTable(ctx context.Context, unitID, text string) (Reference, bool, error) {
	return f(ctx, unitID, text)
}

// resolveSheet resolves an optional book and sheet qualifier relative to the
// cell being evaluated. a bare reference stays on the current sheet; a book
// without a sheet means its first sheet.
func resolveSheet(wb Workbook, at CellKey, book, sheet string) (string, string, bool) {
	unitID := at.UnitID
	if book != "" {
		id, ok := wb.ResolveUnit(book)
		if !ok {
			return "", "", false
		}
		unitID = id
	}
	switch {
	case sheet != "":
		sheetID, ok := wb.ResolveSheet(unitID, sheet)
		return unitID, sheetID, ok
	case unitID == at.UnitID:
		return unitID, at.SheetID, true
	}
	sheets := wb.Sheets(unitID)
	if len(sheets) == 0 {
		return "", "", false
	}
	return unitID, sheets[0].ID, true
}

// foldName folds case for unit and sheet name lookups
func foldName(name string) string {
	return cases.Fold().String(name)
}

type unit struct {
	id     string
	name   string
	sheets []*Worksheet
	byName map[string]*Worksheet // folded name -> sheet
	byID   map[string]*Worksheet
}

// MemoryWorkbook is an in-memory Workbook. it is safe for concurrent use;
// writes must not happen while an execution reads from it.
type MemoryWorkbook struct {
	mu      sync.RWMutex
	units   map[string]*unit
	order   []string
	byName  map[string]string // folded unit name -> ID
	strings *StringTable
}

var _ Workbook = (*MemoryWorkbook)(nil)

// NewMemoryWorkbook creates an empty workbook collection
func NewMemoryWorkbook() *MemoryWorkbook {
	return &MemoryWorkbook{
		units:   make(map[string]*unit),
		byName:  make(map[string]string),
		strings: NewStringTable(),
	}
}

// AddUnit adds a unit. adding an existing ID renames it.
func (wb *MemoryWorkbook) AddUnit(id, name string) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if u, exists := wb.units[id]; exists {
		delete(wb.byName, foldName(u.name))
		u.name = name
		wb.byName[foldName(name)] = id
		return
	}
	wb.units[id] = &unit{
		id:     id,
		name:   name,
		byName: make(map[string]*Worksheet),
		byID:   make(map[string]*Worksheet),
	}
	wb.order = append(wb.order, id)
	wb.byName[foldName(name)] = id
}

// AddSheet adds a sheet to a unit, or returns the existing sheet with that
// ID
func (wb *MemoryWorkbook) AddSheet(unitID, sheetID, name string) (*Worksheet, error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	u, ok := wb.units[unitID]
	if !ok {
		return nil, NewApplicationError(NotFound, ErrUnitNotFound, "unit "+unitID+" not found")
	}
	if ws, exists := u.byID[sheetID]; exists {
		return ws, nil
	}
	folded := foldName(name)
	if _, taken := u.byName[folded]; taken {
		return nil, NewApplicationError(InvalidArgument, ErrInvalidCell,
			fmt.Sprintf("unit %s already has a sheet named %q", unitID, name))
	}
	ws := NewWorksheet(sheetID, name, wb.strings)
	u.sheets = append(u.sheets, ws)
	u.byName[folded] = ws
	u.byID[sheetID] = ws
	return ws, nil
}

func (wb *MemoryWorkbook) sheet(unitID, sheetID string) (*Worksheet, error) {
	u, ok := wb.units[unitID]
	if !ok {
		return nil, NewApplicationError(NotFound, ErrUnitNotFound, "unit "+unitID+" not found")
	}
	ws, ok := u.byID[sheetID]
	if !ok {
		return nil, NewApplicationError(NotFound, ErrSheetNotFound,
			fmt.Sprintf("sheet %s not found in unit %s", sheetID, unitID))
	}
	return ws, nil
}

// SetValue stores a value in a cell
func (wb *MemoryWorkbook) SetValue(unitID, sheetID string, row, col int, value Primitive) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	ws, err := wb.sheet(unitID, sheetID)
	if err != nil {
		return err
	}
	return ws.SetValue(row, col, value)
}

// SetFormula stores formula text in a cell. empty text removes it.
func (wb *MemoryWorkbook) SetFormula(unitID, sheetID string, row, col int, text string) error {
	return wb.SetFormulaWithID(unitID, sheetID, row, col, text, "")
}

// SetFormulaWithID stores formula text together with a caller identifier
func (wb *MemoryWorkbook) SetFormulaWithID(unitID, sheetID string, row, col int, text, formulaID string) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	ws, err := wb.sheet(unitID, sheetID)
	if err != nil {
		return err
	}
	return ws.SetFormula(row, col, text, formulaID)
}

// Remove clears a cell
func (wb *MemoryWorkbook) Remove(unitID, sheetID string, row, col int) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	ws, err := wb.sheet(unitID, sheetID)
	if err != nil {
		return err
	}
	ws.Remove(row, col)
	return nil
}

// Apply writes calculation results back as cell values. an array result
// stores its top-left value at the anchor; the spilled cells are served from
// the result passed as Snapshot.Previous.
func (wb *MemoryWorkbook) Apply(result *Result) error {
	keys := make([]CellKey, 0, len(result.RuntimeData))
	for key := range result.RuntimeData {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	wb.mu.Lock()
	defer wb.mu.Unlock()

	for _, key := range keys {
		ws, err := wb.sheet(key.UnitID, key.SheetID)
		if err != nil {
			return err
		}
		value := result.RuntimeData[key]
		if arr, ok := value.(*ArrayValue); ok {
			value, _ = arr.At(0, 0)
		}
		if err := ws.SetValue(key.Row, key.Column, value); err != nil {
			return err
		}
	}
	return nil
}

func (wb *MemoryWorkbook) UnitIDs() []string {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return append([]string(nil), wb.order...)
}

func (wb *MemoryWorkbook) ResolveUnit(name string) (string, bool) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	if _, ok := wb.units[name]; ok {
		return name, true
	}
	id, ok := wb.byName[foldName(name)]
	return id, ok
}

func (wb *MemoryWorkbook) Sheets(unitID string) []SheetInfo {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	u, ok := wb.units[unitID]
	if !ok {
		return nil
	}
	infos := make([]SheetInfo, len(u.sheets))
	for i, ws := range u.sheets {
		rows, cols := ws.Size()
		infos[i] = SheetInfo{ID: ws.ID, Name: ws.Name, Rows: rows, Columns: cols}
	}
	return infos
}

func (wb *MemoryWorkbook) ResolveSheet(unitID, name string) (string, bool) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	u, ok := wb.units[unitID]
	if !ok {
		return "", false
	}
	if ws, ok := u.byName[foldName(name)]; ok {
		return ws.ID, true
	}
	return "", false
}

func (wb *MemoryWorkbook) SheetSize(unitID, sheetID string) (int, int, bool) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	ws, err := wb.sheet(unitID, sheetID)
	if err != nil {
		return 0, 0, false
	}
	rows, cols := ws.Size()
	return rows, cols, true
}

func (wb *MemoryWorkbook) Value(unitID, sheetID string, row, col int) Primitive {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	ws, err := wb.sheet(unitID, sheetID)
	if err != nil {
		return nil
	}
	return ws.Value(row, col)
}

func (wb *MemoryWorkbook) Formula(unitID, sheetID string, row, col int) (string, bool) {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	ws, err := wb.sheet(unitID, sheetID)
	if err != nil {
		return "", false
	}
	return ws.Formula(row, col)
}

func (wb *MemoryWorkbook) Formulas(unitID, sheetID string) []FormulaCell {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	ws, err := wb.sheet(unitID, sheetID)
	if err != nil {
		return nil
	}
	return ws.Formulas()
}
