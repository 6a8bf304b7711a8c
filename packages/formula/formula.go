package formula

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ASTKey is the normalized form of a parsed formula. formulas that differ
// only in whitespace or case of function names share a key.
type ASTKey string

// FormulaTable parses formula text once and shares the AST between every
// cell carrying an equivalent formula. it also tracks which cells use each
// formula.
type FormulaTable struct {
	mu     sync.Mutex
	parser *Parser

	// core formula storage

	textIndex map[string]uint32 // trimmed formula text -> formula ID
	astIndex  map[ASTKey]uint32 // normalized AST -> formula ID
	asts      map[uint32]AstNode
	texts     map[uint32][]string // formula ID -> texts indexed for it
	refCounts map[uint32]int

	// cell tracking

	cellsUsingFormula map[uint32]map[CellKey]struct{}
	formulaAtCell     map[CellKey]uint32

	nextID uint32
}

// NewFormulaTable creates a formula table parsing with parser
func NewFormulaTable(parser *Parser) *FormulaTable {
	return &FormulaTable{
		parser:            parser,
		textIndex:         make(map[string]uint32),
		astIndex:          make(map[ASTKey]uint32),
		asts:              make(map[uint32]AstNode),
		texts:             make(map[uint32][]string),
		refCounts:         make(map[uint32]int),
		cellsUsingFormula: make(map[uint32]map[CellKey]struct{}),
		formulaAtCell:     make(map[CellKey]uint32),
		nextID:            1, // start at 1, reserve 0 for no formula
	}
}

// Parser returns the parser formulas are built with
func (ft *FormulaTable) Parser() *Parser {
	return ft.parser
}

func normalizeText(text string) string {
	text = strings.TrimSpace(text)
	return strings.TrimPrefix(text, "=")
}

// Parse returns the AST for formula text without tracking a cell
func (ft *FormulaTable) Parse(text string) (AstNode, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	id, err := ft.lookup(text)
	if err != nil {
		return nil, err
	}
	if ft.refCounts[id] == 0 {
		// nothing holds the formula, don't keep it around
		ast := ft.asts[id]
		ft.removeFormula(id)
		return ast, nil
	}
	return ft.asts[id], nil
}

// Intern records that a cell carries formula text and returns the shared
// formula ID and AST. a cell interned again with different text releases
// its previous formula.
func (ft *FormulaTable) Intern(text string, cell CellKey) (uint32, AstNode, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	id, err := ft.lookup(text)
	if err != nil {
		return 0, nil, err
	}
	if old, exists := ft.formulaAtCell[cell]; exists {
		if old == id {
			return id, ft.asts[id], nil
		}
		ft.release(old, cell)
	}

	ft.refCounts[id]++
	if ft.cellsUsingFormula[id] == nil {
		ft.cellsUsingFormula[id] = make(map[CellKey]struct{})
	}
	ft.cellsUsingFormula[id][cell] = struct{}{}
	ft.formulaAtCell[cell] = id
	return id, ft.asts[id], nil
}

// lookup finds or parses a formula. new formulas start with no references.
func (ft *FormulaTable) lookup(text string) (uint32, error) {
	text = normalizeText(text)
	if id, exists := ft.textIndex[text]; exists {
		return id, nil
	}

	ast, err := ft.parser.ParseFormula(text)
	if err != nil {
		return 0, err
	}
	key := ASTKey(ast.ToString())
	id, exists := ft.astIndex[key]
	if !exists {
		id = ft.nextID
		ft.nextID++
		ft.astIndex[key] = id
		ft.asts[id] = ast
	}
	ft.textIndex[text] = id
	ft.texts[id] = append(ft.texts[id], text)
	return id, nil
}

// Release drops the formula of a cell. returns true if the formula was
// removed because no cell uses it anymore.
func (ft *FormulaTable) Release(cell CellKey) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	id, exists := ft.formulaAtCell[cell]
	if !exists {
		return false
	}
	return ft.release(id, cell)
}

func (ft *FormulaTable) release(id uint32, cell CellKey) bool {
	if cells, exists := ft.cellsUsingFormula[id]; exists {
		delete(cells, cell)
		if len(cells) == 0 {
			delete(ft.cellsUsingFormula, id)
		}
	}
	delete(ft.formulaAtCell, cell)

	ft.refCounts[id]--
	if ft.refCounts[id] <= 0 {
		ft.removeFormula(id)
		return true
	}
	return false
}

func (ft *FormulaTable) removeFormula(id uint32) {
	if ast, exists := ft.asts[id]; exists {
		delete(ft.astIndex, ASTKey(ast.ToString()))
	}
	for _, text := range ft.texts[id] {
		delete(ft.textIndex, text)
	}
	delete(ft.texts, id)
	delete(ft.asts, id)
	delete(ft.refCounts, id)
	delete(ft.cellsUsingFormula, id)
}

// Retain releases every cell not in keep. used after a generation pass so
// formulas of deleted cells do not pile up.
func (ft *FormulaTable) Retain(keep map[CellKey]struct{}) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for cell, id := range ft.formulaAtCell {
		if _, ok := keep[cell]; !ok {
			ft.release(id, cell)
		}
	}
}

// AST retrieves the AST of a formula ID
func (ft *FormulaTable) AST(id uint32) (AstNode, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ast, exists := ft.asts[id]
	return ast, exists
}

// FormulaAt returns the formula ID of a cell
func (ft *FormulaTable) FormulaAt(cell CellKey) (uint32, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	id, exists := ft.formulaAtCell[cell]
	return id, exists
}

// CellsUsing returns the cells carrying a formula, in key order
func (ft *FormulaTable) CellsUsing(id uint32) []CellKey {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	cells := make([]CellKey, 0, len(ft.cellsUsingFormula[id]))
	for cell := range ft.cellsUsingFormula[id] {
		cells = append(cells, cell)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Less(cells[j]) })
	return cells
}

// References returns the number of cells using a formula
func (ft *FormulaTable) References(id uint32) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.refCounts[id]
}

// Count returns the number of unique formulas
func (ft *FormulaTable) Count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.asts)
}

// formulaKey renders a formula ID for DependencyNode.FormulaID
func formulaKey(id uint32) string {
	return fmt.Sprintf("F%d", id)
}
