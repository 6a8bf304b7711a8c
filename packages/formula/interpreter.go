package formula

import (
	"context"
	"fmt"
)

// maxCallDepth bounds lambda recursion
const maxCallDepth = 256

// DataReader reads cell values. it is what lazy references read from.
type DataReader interface {
	Value(unitID, sheetID string, row, col int) Primitive
	// SheetSize returns the used extent of a sheet
	SheetSize(unitID, sheetID string) (rows, cols int, ok bool)
}

// Environment is what the interpreter needs from the workbook and the
// runtime: cell values, name resolution and spilled arrays
type Environment interface {
	DataReader
	// ResolveSheet resolves an optional book and sheet name relative to the
	// cell being evaluated
	ResolveSheet(at CellKey, book, sheet string) (unitID, sheetID string, ok bool)
	// ResolveTable resolves structured reference text such as Table1[Col]
	ResolveTable(at CellKey, text string) (Reference, bool)
	// SpillAt returns the array anchored at a cell, if any
	SpillAt(anchor CellKey) (*ArrayValue, bool)
}

// scope holds the names bound by LET and LAMBDA during evaluation
type scope struct {
	parent *scope
	names  map[string]Primitive
}

func (s *scope) bind(names []string, values []Primitive) *scope {
	child := &scope{parent: s, names: make(map[string]Primitive, len(names))}
	for i, name := range names {
		child.names[name] = values[i]
	}
	return child
}

func (s *scope) lookup(name string) (Primitive, bool) {
	for ; s != nil; s = s.parent {
		if v, ok := s.names[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// CallContext is handed to function implementations
type CallContext struct {
	// Cell is the cell whose formula is being evaluated
	Cell CellKey
	e    *evaluator
}

// Context returns the context of the evaluation. it is only cancellable
// when evaluating asynchronously.
func (c *CallContext) Context() context.Context {
	return c.e.ctx
}

// CallLambda applies a lambda value to arguments
func (c *CallContext) CallLambda(fn *LambdaValue, args ...Primitive) Primitive {
	return c.e.apply(fn, args)
}

// Interpreter evaluates ASTs against an environment. function nodes carry
// the implementation they were bound to by the parser.
type Interpreter struct {
	env Environment
}

// NewInterpreter creates an interpreter
func NewInterpreter(env Environment) *Interpreter {
	return &Interpreter{env: env}
}

// Evaluate evaluates a node for the formula at a cell. nodes that call
// asynchronous functions must go through EvaluateAsync; here those calls
// evaluate to #CALC!.
func (i *Interpreter) Evaluate(node AstNode, at CellKey) Primitive {
	e := &evaluator{interp: i, ctx: context.Background(), at: at}
	return Finalize(e.eval(node, nil))
}

// EvaluateAsync evaluates a node, awaiting asynchronous functions in order.
// a Go error is returned when an asynchronous function fails or ctx is
// cancelled.
func (i *Interpreter) EvaluateAsync(ctx context.Context, node AstNode, at CellKey) (Primitive, error) {
	e := &evaluator{interp: i, ctx: ctx, at: at, async: true}
	value := e.eval(node, nil)
	if e.err != nil {
		return nil, e.err
	}
	return Finalize(value), nil
}

// Finalize turns an evaluation result into a cell value: references are
// read, blanks become 0, 1x1 arrays become scalars and lambdas become
// #CALC!
func Finalize(value Primitive) Primitive {
	switch v := value.(type) {
	case nil:
		return 0.0
	case *ReferenceValue:
		if v.IsCell() {
			return Finalize(v.Cell(0, 0))
		}
		return Finalize(v.ToArray())
	case *ArrayValue:
		if len(v.Values) == 0 {
			return NewFormulaError(ErrorCodeCalc, "empty array")
		}
		if len(v.Values) == 1 {
			return Finalize(v.Values[0])
		}
		out := NewArrayValue(v.Rows, v.Columns)
		out.Origin = v.Origin
		for i, elem := range v.Values {
			switch elem.(type) {
			case nil:
				out.Values[i] = 0.0
			case *ArrayValue, *ReferenceValue, *LambdaValue:
				out.Values[i] = NewFormulaError(ErrorCodeCalc, "nested array")
			default:
				out.Values[i] = elem
			}
		}
		return out
	case *LambdaValue:
		return NewFormulaError(ErrorCodeCalc, "lambda result")
	}
	return value
}

type evaluator struct {
	interp *Interpreter
	ctx    context.Context
	at     CellKey
	async  bool
	depth  int
	err    error // first failure of an asynchronous function, aborts evaluation
}

func (e *evaluator) eval(node AstNode, sc *scope) Primitive {
	if e.err != nil {
		return nil
	}

	switch n := node.(type) {
	case *ValueNode:
		return n.Value
	case *ErrorNode:
		return n.Err
	case *ArrayNode:
		return n.Value
	case *ReferenceNode:
		return e.reference(n)
	case *UnionNode:
		return e.union(n, sc)
	case *NameNode:
		if v, ok := sc.lookup(n.Name); ok {
			return v
		}
		return NewFormulaError(ErrorCodeName, "unknown name "+n.Name)
	case *OperatorNode:
		return e.operator(n, sc)
	case *FunctionNode:
		return e.call(n, sc)
	case *LambdaNode:
		return &LambdaValue{Params: n.Params, Body: n.Body, scope: sc}
	case *LambdaCallNode:
		callee := e.eval(n.Callee, sc)
		fn, ok := callee.(*LambdaValue)
		if !ok {
			if err := checkForError(callee); err != nil {
				return err
			}
			return NewFormulaError(ErrorCodeValue, "not a lambda")
		}
		args := make([]Primitive, len(n.Args))
		for i, arg := range n.Args {
			args[i] = e.eval(arg, sc)
		}
		return e.apply(fn, args)
	case *LetNode:
		for i, name := range n.Names {
			sc = sc.bind([]string{name}, []Primitive{e.eval(n.Values[i], sc)})
		}
		return e.eval(n.Body, sc)
	}
	return NewFormulaError(ErrorCodeOther, fmt.Sprintf("cannot evaluate %T", node))
}

func (e *evaluator) apply(fn *LambdaValue, args []Primitive) Primitive {
	if len(args) != len(fn.Params) {
		return NewFormulaError(ErrorCodeValue, fmt.Sprintf("lambda expects %d arguments, got %d", len(fn.Params), len(args)))
	}
	if e.depth >= maxCallDepth {
		return NewFormulaError(ErrorCodeNum, "lambda recursion too deep")
	}
	e.depth++
	defer func() { e.depth-- }()
	return e.eval(fn.Body, fn.scope.bind(fn.Params, args))
}

func (e *evaluator) reference(n *ReferenceNode) Primitive {
	env := e.interp.env
	if n.IsTable() {
		ref, ok := env.ResolveTable(e.at, n.ToString())
		if !ok {
			return NewFormulaError(ErrorCodeRef, "unknown table reference "+n.Table)
		}
		return NewReferenceValue(ref, env)
	}
	unitID, sheetID, ok := env.ResolveSheet(e.at, n.Book, n.Sheet)
	if !ok {
		return NewFormulaError(ErrorCodeRef, "unknown sheet "+n.Sheet)
	}
	return NewReferenceValue(Reference{UnitID: unitID, SheetID: sheetID, Range: n.Range}, env)
}

// union flattens every area into one row
func (e *evaluator) union(n *UnionNode, sc *scope) Primitive {
	var values []Primitive
	for _, item := range n.Items {
		switch v := e.eval(item, sc).(type) {
		case *FormulaError:
			return v
		case *ReferenceValue:
			for value := range v.IterateValues() {
				values = append(values, value)
			}
		case *ArrayValue:
			values = append(values, v.Values...)
		default:
			return NewFormulaError(ErrorCodeValue, "union of non-references")
		}
	}
	return RowVector(values...)
}

func (e *evaluator) operator(n *OperatorNode, sc *scope) Primitive {
	if !n.IsUnary() {
		left := e.eval(n.Operands[0], sc)
		right := e.eval(n.Operands[1], sc)
		if n.Op == OpRange {
			return e.dynamicRange(left, right)
		}
		return binaryOp(n.Op, left, right)
	}

	value := e.eval(n.Operands[0], sc)
	switch n.Op {
	case OpIntersect:
		return e.intersect(value)
	case OpSpill:
		return e.spill(value)
	}
	return unaryOp(n.Op, value)
}

// dynamicRange builds the bounding range of two computed references
func (e *evaluator) dynamicRange(left, right Primitive) Primitive {
	if err := checkForError(left); err != nil {
		return err
	}
	if err := checkForError(right); err != nil {
		return err
	}
	l, lok := left.(*ReferenceValue)
	r, rok := right.(*ReferenceValue)
	if !lok || !rok {
		return NewFormulaError(ErrorCodeValue, "range operator requires references")
	}
	if l.UnitID != r.UnitID || l.SheetID != r.SheetID {
		return NewFormulaError(ErrorCodeRef, "range spans sheets")
	}
	ref := l.Reference
	ref.Range = l.Range.Union(r.Range)
	return NewReferenceValue(ref, e.interp.env)
}

// intersect implements @: a range collapses to the cell in the formula's
// row or column
func (e *evaluator) intersect(value Primitive) Primitive {
	switch v := value.(type) {
	case *ReferenceValue:
		if v.IsCell() {
			return v.Cell(0, 0)
		}
		r := v.Range
		if v.UnitID == e.at.UnitID && v.SheetID == e.at.SheetID {
			if r.StartColumn == r.EndColumn && e.at.Row >= r.StartRow && e.at.Row <= r.EndRow {
				return v.Cell(e.at.Row-r.StartRow, 0)
			}
			if r.StartRow == r.EndRow && e.at.Column >= r.StartColumn && e.at.Column <= r.EndColumn {
				return v.Cell(0, e.at.Column-r.StartColumn)
			}
		}
		return NewFormulaError(ErrorCodeValue, "no implicit intersection")
	case *ArrayValue:
		if first, ok := v.At(0, 0); ok {
			return first
		}
		return NewFormulaError(ErrorCodeCalc, "empty array")
	}
	return value
}

// spill implements A1#: the range covered by the array anchored at A1
func (e *evaluator) spill(value Primitive) Primitive {
	if err := checkForError(value); err != nil {
		return err
	}
	ref, ok := value.(*ReferenceValue)
	if !ok || !ref.IsCell() {
		return NewFormulaError(ErrorCodeRef, "spill reference requires a cell")
	}
	anchor := CellKey{UnitID: ref.UnitID, SheetID: ref.SheetID, Row: ref.Range.StartRow, Column: ref.Range.StartColumn}
	arr, ok := e.interp.env.SpillAt(anchor)
	if !ok {
		return NewFormulaError(ErrorCodeRef, "no array at "+anchor.String())
	}
	spilled := ref.Reference
	spilled.Range = arr.Extent(anchor.Row, anchor.Column)
	return NewReferenceValue(spilled, e.interp.env)
}

func (e *evaluator) call(n *FunctionNode, sc *scope) Primitive {
	fn := n.Fn
	args := make([]Primitive, len(n.Args))
	for i, arg := range n.Args {
		v := e.eval(arg, sc)
		if e.err != nil {
			return nil
		}
		if ref, ok := v.(*ReferenceValue); ok && !fn.ReferenceArgs && ref.IsCell() {
			v = ref.Cell(0, 0)
		}
		if !fn.ErrorAbsorbing {
			if err := checkForError(v); err != nil {
				return err
			}
		}
		args[i] = v
	}

	call := &CallContext{Cell: e.at, e: e}
	if fn.CallAsync != nil {
		if !e.async {
			return NewFormulaError(ErrorCodeCalc, n.Name+" requires asynchronous evaluation")
		}
		value, err := fn.CallAsync(e.ctx, call, args)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", n.Name, err)
			return nil
		}
		return value
	}
	if fn.Call == nil {
		return NewFormulaError(ErrorCodeName, "function "+n.Name+" has no implementation")
	}
	return fn.Call(call, args)
}
