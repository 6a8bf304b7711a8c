package formula

import (
	"context"
	"fmt"
	"sort"

	"github.com/tliron/commonlog"
)

var generatorLog = commonlog.GetLogger("formula.generator")

// Plan is the ordered work of one pass
type Plan struct {
	Nodes    []*DependencyNode
	HasCycle bool
}

// Generator builds dependency nodes for the formulas of a workbook and
// orders them for evaluation
type Generator struct {
	formulas *FormulaTable
	workbook Workbook
	lookup   ReferenceLookup
}

// NewGenerator creates a generator. lookup may be nil when the workbook has
// no tables.
func NewGenerator(formulas *FormulaTable, workbook Workbook, lookup ReferenceLookup) *Generator {
	return &Generator{formulas: formulas, workbook: workbook, lookup: lookup}
}

// graph is every node of the workbook with its edges
type graph struct {
	nodes []*DependencyNode
	deps  *DependencyGraph
}

// Generate returns the nodes to evaluate in the normal pass. with
// ForceCalculation every formula and feature is included; otherwise the
// formulas in or reading the dirty ranges, volatile formulas, and
// everything depending on them.
func (g *Generator) Generate(ctx context.Context, snap *Snapshot, state *RuntimeState) (*Plan, error) {
	gr, err := g.build(ctx, snap, state)
	if err != nil {
		return nil, err
	}

	var seeds []int
	for i, n := range gr.nodes {
		if snap.ForceCalculation || n.Volatile {
			seeds = append(seeds, i)
			continue
		}
		for _, d := range snap.DirtyRanges {
			ref := d.reference()
			if (!n.IsFeature() && ref.ContainsCell(n.Key)) || n.reads(ref) {
				seeds = append(seeds, i)
				break
			}
		}
	}
	plan := g.order(gr, gr.deps.AllDependents(seeds))
	generatorLog.Debugf("normal pass: %d of %d nodes, cycle=%t", len(plan.Nodes), len(gr.nodes), plan.HasCycle)
	return plan, nil
}

// GenerateArrayPass returns the nodes to evaluate after spills changed
// shape: the formulas reading a dirty range and everything depending on
// them. the anchors whose spill changed are not seeded by their own range.
func (g *Generator) GenerateArrayPass(ctx context.Context, snap *Snapshot, state *RuntimeState, dirty []DirtyRange, anchors map[CellKey]struct{}) (*Plan, error) {
	gr, err := g.build(ctx, snap, state)
	if err != nil {
		return nil, err
	}

	var seeds []int
	for i, n := range gr.nodes {
		if _, isAnchor := anchors[n.Key]; isAnchor && !n.IsFeature() {
			continue
		}
		for _, d := range dirty {
			if n.reads(d.reference()) {
				seeds = append(seeds, i)
				break
			}
		}
	}
	plan := g.order(gr, gr.deps.AllDependents(seeds))
	generatorLog.Debugf("array pass: %d of %d nodes, cycle=%t", len(plan.Nodes), len(gr.nodes), plan.HasCycle)
	return plan, nil
}

func (g *Generator) order(gr *graph, candidates []int) *Plan {
	// candidates are node indexes, and nodes are built in key order
	order, hasCycle := gr.deps.CalculationOrder(candidates)
	plan := &Plan{Nodes: make([]*DependencyNode, len(order)), HasCycle: hasCycle}
	for i, idx := range order {
		plan.Nodes[i] = gr.nodes[idx]
	}
	return plan
}

// build creates a node for every formula cell and feature, resolves what
// each reads and links them
func (g *Generator) build(ctx context.Context, snap *Snapshot, state *RuntimeState) (*graph, error) {
	var nodes []*DependencyNode
	live := make(map[CellKey]struct{})

	for _, unitID := range g.workbook.UnitIDs() {
		for _, sheet := range g.workbook.Sheets(unitID) {
			for _, fc := range g.workbook.Formulas(unitID, sheet.ID) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				key := CellKey{UnitID: unitID, SheetID: sheet.ID, Row: fc.Row, Column: fc.Column}
				live[key] = struct{}{}

				n := &DependencyNode{Key: key, FormulaID: fc.FormulaID}
				id, ast, err := g.formulas.Intern(fc.Formula, key)
				if err != nil {
					// text that does not tokenize still gets a node, so
					// dependents see an error instead of a stale value
					ast = &ErrorNode{Err: NewFormulaError(ErrorCodeOther, err.Error())}
				} else if n.FormulaID == "" {
					n.FormulaID = formulaKey(id)
				}
				n.AST = ast
				n.Volatile = IsVolatile(ast)
				if n.Ranges, err = g.references(ctx, ast, key, state); err != nil {
					return nil, err
				}
				nodes = append(nodes, n)
			}
		}
	}
	g.formulas.Retain(live)

	for _, f := range snap.Features {
		nodes = append(nodes, &DependencyNode{
			Key:          CellKey{UnitID: f.UnitID, SheetID: f.SheetID, Row: -1, Column: -1},
			FeatureID:    f.FeatureID,
			GetDirtyData: f.GetDirtyData,
			Ranges:       f.Ranges,
		})
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Key != b.Key {
			return a.Key.Less(b.Key)
		}
		return a.FeatureID < b.FeatureID
	})

	return &graph{nodes: nodes, deps: g.link(nodes, snap, state)}, nil
}

type sheetKey struct {
	unitID  string
	sheetID string
}

// link adds an edge from every node to each formula whose cell, or whose
// current or previous spill, lies in a range the node reads
func (g *Generator) link(nodes []*DependencyNode, snap *Snapshot, state *RuntimeState) *DependencyGraph {
	deps := NewDependencyGraph(len(nodes))

	cells := make(map[CellKey]int)
	bySheet := make(map[sheetKey][]int)
	for i, n := range nodes {
		if n.IsFeature() {
			continue
		}
		cells[n.Key] = i
		sk := sheetKey{n.Key.UnitID, n.Key.SheetID}
		bySheet[sk] = append(bySheet[sk], i)
	}

	type spill struct {
		node int
		rng  RangeAddress
	}
	spills := make(map[sheetKey][]spill)
	addSpills := func(ranges map[CellKey]RangeAddress) {
		for _, anchor := range sortedKeys(ranges) {
			if i, ok := cells[anchor]; ok {
				sk := sheetKey{anchor.UnitID, anchor.SheetID}
				spills[sk] = append(spills[sk], spill{node: i, rng: ranges[anchor]})
			}
		}
	}
	addSpills(snap.previousRanges())
	addSpills(state.arrayRanges)

	for i, n := range nodes {
		for _, ref := range n.Ranges {
			sk := sheetKey{ref.UnitID, ref.SheetID}
			sheetNodes := bySheet[sk]
			rng := ref.Range.normalize()
			area := int64(rng.Rows()) * int64(rng.Columns())
			if area <= int64(len(sheetNodes)) {
				for row := rng.StartRow; row <= rng.EndRow; row++ {
					for col := rng.StartColumn; col <= rng.EndColumn; col++ {
						key := CellKey{UnitID: ref.UnitID, SheetID: ref.SheetID, Row: row, Column: col}
						if j, ok := cells[key]; ok {
							deps.AddDependency(i, j)
						}
					}
				}
			} else {
				for _, j := range sheetNodes {
					if rng.Contains(nodes[j].Key.Row, nodes[j].Key.Column) {
						deps.AddDependency(i, j)
					}
				}
			}
			for _, s := range spills[sk] {
				if s.rng.Intersects(rng) {
					deps.AddDependency(i, s.node)
				}
			}
		}
	}
	return deps
}

// references resolves the references in an AST. sheets that cannot be
// resolved are skipped, the formula evaluates to #REF! for them. table
// references are looked up once per execution and cached in the state for
// evaluation.
func (g *Generator) references(ctx context.Context, ast AstNode, at CellKey, state *RuntimeState) ([]Reference, error) {
	var refs []Reference
	var lookupErr error
	Walk(ast, func(node AstNode) bool {
		n, ok := node.(*ReferenceNode)
		if !ok {
			return lookupErr == nil
		}
		if !n.IsTable() {
			unitID, sheetID, ok := resolveSheet(g.workbook, at, n.Book, n.Sheet)
			if ok {
				refs = append(refs, Reference{UnitID: unitID, SheetID: sheetID, Range: n.Range})
			}
			return true
		}

		ref, ok, err := g.resolveTable(ctx, at, n.ToString(), state)
		if err != nil {
			lookupErr = err
			return false
		}
		if ok {
			refs = append(refs, ref)
		}
		return true
	})
	return refs, lookupErr
}

func (g *Generator) resolveTable(ctx context.Context, at CellKey, text string, state *RuntimeState) (Reference, bool, error) {
	key := tableKey{unitID: at.UnitID, text: text}
	if ref, ok := state.tables[key]; ok {
		return ref, true, nil
	}
	if g.lookup == nil {
		return Reference{}, false, nil
	}
	ref, ok, err := g.lookup.LookupTable(ctx, at.UnitID, text)
	if err != nil {
		return Reference{}, false, fmt.Errorf("resolve %s for %s: %w", text, at, err)
	}
	if ok {
		state.tables[key] = ref
	}
	return ref, ok, nil
}
