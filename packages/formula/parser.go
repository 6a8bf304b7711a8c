package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// Parser builds ASTs from postfix token trees, binding function names
// against a registry. it performs no I/O: sheet and table names stay
// unresolved until evaluation.
type Parser struct {
	registry *Registry
	names    *DefinedNames
}

// ParserOption configures a Parser
type ParserOption func(*Parser)

// WithDefinedNames lets formulas use workbook-level names
func WithDefinedNames(names *DefinedNames) ParserOption {
	return func(p *Parser) {
		p.names = names
	}
}

// NewParser creates a parser bound to a function registry
func NewParser(registry *Registry, opts ...ParserOption) *Parser {
	p := &Parser{registry: registry}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the registry function names are bound against
func (p *Parser) Registry() *Registry {
	return p.registry
}

// Parse converts a token tree built with transformToPostfix into an AST.
// problems in the formula become ErrorNodes, Parse itself never fails.
func (p *Parser) Parse(root *TokenNode) AstNode {
	b := &astBuilder{parser: p, expanding: make(map[string]bool)}
	return b.sequence(root.Children, nil)
}

// ParseFormula tokenizes and parses formula text
func (p *Parser) ParseFormula(text string) (AstNode, error) {
	root, err := Tokenize(text, true)
	if err != nil {
		return nil, err
	}
	return p.Parse(root), nil
}

// nameScope tracks the names bound by enclosing LAMBDA and LET forms
type nameScope struct {
	parent *nameScope
	names  map[string]bool
}

func (s *nameScope) with(names ...string) *nameScope {
	child := &nameScope{parent: s, names: make(map[string]bool, len(names))}
	for _, name := range names {
		child.names[name] = true
	}
	return child
}

func (s *nameScope) has(name string) bool {
	for ; s != nil; s = s.parent {
		if s.names[name] {
			return true
		}
	}
	return false
}

type astBuilder struct {
	parser    *Parser
	expanding map[string]bool // defined names being expanded, guards self reference
}

func errorNode(code ErrorCode, format string, args ...any) *ErrorNode {
	return &ErrorNode{Err: NewFormulaError(code, fmt.Sprintf(format, args...))}
}

// sequence evaluates a postfix operand/operator list with a stack
func (b *astBuilder) sequence(children []TokenChild, scope *nameScope) AstNode {
	var stack []AstNode
	for _, child := range children {
		lit, isLiteral := child.(TokenLiteral)
		if !isLiteral || !IsBinaryOperator(lit) {
			stack = append(stack, b.build(child, scope))
			continue
		}
		if len(stack) < 2 {
			return errorNode(ErrorCodeOther, "token tree is not in postfix order")
		}
		left, right := stack[len(stack)-2], stack[len(stack)-1]
		stack = stack[:len(stack)-2]
		if lit == "," {
			stack = append(stack, union(left, right))
		} else {
			stack = append(stack, &OperatorNode{Op: string(lit), Operands: []AstNode{left, right}})
		}
	}
	if len(stack) != 1 {
		return errorNode(ErrorCodeOther, "token tree is not in postfix order")
	}
	return stack[0]
}

func union(left, right AstNode) AstNode {
	var items []AstNode
	for _, side := range []AstNode{left, right} {
		if u, ok := side.(*UnionNode); ok {
			items = append(items, u.Items...)
		} else {
			items = append(items, side)
		}
	}
	return &UnionNode{Items: items}
}

func (b *astBuilder) build(child TokenChild, scope *nameScope) AstNode {
	switch c := child.(type) {
	case TokenLiteral:
		return b.literal(string(c), scope)
	case *TokenNode:
		return b.node(c, scope)
	}
	return errorNode(ErrorCodeOther, "unexpected token tree child %T", child)
}

func (b *astBuilder) node(n *TokenNode, scope *nameScope) AstNode {
	switch n.Token {
	case TokenGroup:
		return b.argument(n, scope)
	case TokenLambdaCall:
		return &LambdaCallNode{
			Callee: b.build(n.Children[0], scope),
			Args:   b.arguments(n.Children[1:], scope),
		}
	case OpRange:
		return b.rangeNode(n, scope)
	case OpAdd, OpSubtract, OpPercent, OpIntersect, OpSpill:
		if len(n.Children) != 1 {
			return errorNode(ErrorCodeOther, "operator %s expects one operand", n.Token)
		}
		return &OperatorNode{Op: n.Token, Operands: []AstNode{b.build(n.Children[0], scope)}}
	}
	return b.function(n, scope)
}

// argument builds one P_1 group. an empty group is a missing argument.
func (b *astBuilder) argument(n *TokenNode, scope *nameScope) AstNode {
	if len(n.Children) == 0 {
		return &ValueNode{Missing: true}
	}
	return b.sequence(n.Children, scope)
}

func (b *astBuilder) arguments(children []TokenChild, scope *nameScope) []AstNode {
	args := make([]AstNode, 0, len(children))
	for _, child := range children {
		if group, ok := child.(*TokenNode); ok && group.Token == TokenGroup {
			args = append(args, b.argument(group, scope))
		} else {
			args = append(args, b.build(child, scope))
		}
	}
	return args
}

func (b *astBuilder) function(n *TokenNode, scope *nameScope) AstNode {
	name := strings.ToUpper(n.Token)
	switch name {
	case "LAMBDA":
		return b.lambda(n, scope)
	case "LET":
		return b.let(n, scope)
	}

	if scope.has(name) {
		return &LambdaCallNode{Callee: &NameNode{Name: name}, Args: b.arguments(n.Children, scope)}
	}

	fn, ok := b.parser.registry.Lookup(name)
	if !ok {
		return errorNode(ErrorCodeName, "unknown function %s", name)
	}
	return &FunctionNode{Name: name, Fn: fn, Args: b.arguments(n.Children, scope)}
}

// paramName extracts a bare identifier from a LAMBDA or LET argument
func paramName(child TokenChild) (string, bool) {
	group, ok := child.(*TokenNode)
	if !ok || group.Token != TokenGroup || len(group.Children) != 1 {
		return "", false
	}
	lit, ok := group.Children[0].(TokenLiteral)
	if !ok || lit == "" {
		return "", false
	}
	name := string(lit)
	for i, ch := range name {
		if !isNameChar(ch) || ch == charDollar || (i == 0 && !isNameStart(ch)) {
			return "", false
		}
	}
	if _, kind := parseBound(name); kind == boundCell {
		return "", false
	}
	upper := strings.ToUpper(name)
	if upper == "TRUE" || upper == "FALSE" {
		return "", false
	}
	return upper, true
}

func (b *astBuilder) lambda(n *TokenNode, scope *nameScope) AstNode {
	if len(n.Children) == 0 {
		return errorNode(ErrorCodeValue, "LAMBDA requires a body")
	}
	params := make([]string, 0, len(n.Children)-1)
	seen := make(map[string]bool)
	for _, child := range n.Children[:len(n.Children)-1] {
		name, ok := paramName(child)
		if !ok || seen[name] {
			return errorNode(ErrorCodeValue, "invalid LAMBDA parameter")
		}
		seen[name] = true
		params = append(params, name)
	}
	body := n.Children[len(n.Children)-1].(*TokenNode)
	return &LambdaNode{Params: params, Body: b.argument(body, scope.with(params...))}
}

func (b *astBuilder) let(n *TokenNode, scope *nameScope) AstNode {
	if len(n.Children) < 3 || len(n.Children)%2 == 0 {
		return errorNode(ErrorCodeValue, "LET requires name/value pairs and a body")
	}
	node := &LetNode{}
	for i := 0; i+1 < len(n.Children); i += 2 {
		name, ok := paramName(n.Children[i])
		if !ok {
			return errorNode(ErrorCodeValue, "invalid LET name")
		}
		value := b.argument(n.Children[i+1].(*TokenNode), scope)
		scope = scope.with(name)
		node.Names = append(node.Names, name)
		node.Values = append(node.Values, value)
	}
	node.Body = b.argument(n.Children[len(n.Children)-1].(*TokenNode), scope)
	return node
}

// literal classifies a leaf of the token tree
func (b *astBuilder) literal(lit string, scope *nameScope) AstNode {
	if lit == "" {
		return &ValueNode{Missing: true}
	}
	switch first := rune(lit[0]); {
	case first == charQuote:
		return &ValueNode{Value: unquoteString(lit)}
	case first == charLBrace:
		return parseArrayLiteral(lit)
	case first == charHash:
		code, ok := ParseErrorLiteral(lit)
		if !ok {
			return errorNode(ErrorCodeName, "unknown error literal %s", lit)
		}
		return &ErrorNode{Err: NewFormulaError(code, "")}
	case isDigit(first) || first == charPeriod:
		if !strings.ContainsRune(lit, charExclaim) {
			if num, err := strconv.ParseFloat(lit, 64); err == nil {
				return &ValueNode{Value: num}
			}
		}
	}

	upper := strings.ToUpper(lit)
	if upper == "TRUE" || upper == "FALSE" {
		return &ValueNode{Value: upper == "TRUE"}
	}
	if scope.has(upper) {
		return &NameNode{Name: upper}
	}
	return b.name(lit)
}

// name resolves a reference or a defined name
func (b *astBuilder) name(lit string) AstNode {
	ref, kind, err := parseReference(lit)
	if err != nil {
		return &ErrorNode{Err: err}
	}
	if ref != nil && (ref.IsTable() || kind == boundCell) {
		return ref
	}

	if text, ok := b.parser.names.Lookup(lit); ok {
		key := strings.ToUpper(lit)
		if b.expanding[key] {
			return errorNode(ErrorCodeRef, "name %s refers to itself", lit)
		}
		root, err := Tokenize(text, true)
		if err != nil {
			return errorNode(ErrorCodeName, "name %s: %v", lit, err)
		}
		b.expanding[key] = true
		defer delete(b.expanding, key)
		return b.sequence(root.Children, nil)
	}
	return errorNode(ErrorCodeName, "unknown name %s", lit)
}

type boundKind int

const (
	boundNone boundKind = iota
	boundCell
	boundColumn
	boundRow
	boundArea
)

// rangeBound is one side of a range operator
type rangeBound struct {
	book  string
	sheet string
	kind  boundKind
	area  RangeAddress
}

// rangeNode turns A1:B2 style nodes into static references. when a side is
// computed, e.g. A1:INDEX(...), the range is built at evaluation time.
func (b *astBuilder) rangeNode(n *TokenNode, scope *nameScope) AstNode {
	if len(n.Children) != 2 {
		return errorNode(ErrorCodeRef, "range operator expects two operands")
	}

	left, lkind := b.staticBound(n.Children[0], scope)
	right, rkind := b.staticBound(n.Children[1], scope)
	switch {
	case lkind == boundNone || rkind == boundNone:
		return errorNode(ErrorCodeRef, "invalid range bound")
	case lkind < 0 || rkind < 0:
		return &OperatorNode{Op: OpRange, Operands: []AstNode{b.build(n.Children[0], scope), b.build(n.Children[1], scope)}}
	}

	if right.sheet != "" && !strings.EqualFold(right.sheet, left.sheet) {
		return errorNode(ErrorCodeRef, "range spans sheets %s and %s", left.sheet, right.sheet)
	}
	if right.book != "" && !strings.EqualFold(right.book, left.book) {
		return errorNode(ErrorCodeRef, "range spans workbooks")
	}
	if !compatibleBounds(left.kind, right.kind) {
		return errorNode(ErrorCodeRef, "mismatched range bounds")
	}
	return &ReferenceNode{Book: left.book, Sheet: left.sheet, Range: left.area.Union(right.area).normalize()}
}

func compatibleBounds(a, b boundKind) bool {
	isArea := func(k boundKind) bool { return k == boundCell || k == boundArea }
	if isArea(a) && isArea(b) {
		return true
	}
	return a == b && (a == boundColumn || a == boundRow)
}

// staticBound classifies one side of a range. a negative kind means the
// side is computed and the range must be dynamic.
func (b *astBuilder) staticBound(child TokenChild, scope *nameScope) (rangeBound, boundKind) {
	const dynamic boundKind = -1

	switch c := child.(type) {
	case *TokenNode:
		if c.Token != OpRange {
			return rangeBound{}, dynamic
		}
		ref, ok := b.rangeNode(c, scope).(*ReferenceNode)
		if !ok {
			return rangeBound{}, boundNone
		}
		return rangeBound{book: ref.Book, sheet: ref.Sheet, kind: boundArea, area: ref.Range}, boundArea

	case TokenLiteral:
		lit := string(c)
		if scope.has(strings.ToUpper(lit)) {
			return rangeBound{}, dynamic
		}
		book, sheet, rest, err := splitQualifier(lit)
		if err == nil && !strings.ContainsRune(rest, charLBracket) {
			if area, kind := parseBound(rest); kind != boundNone {
				return rangeBound{book: book, sheet: sheet, kind: kind, area: area}, kind
			}
		}
		// anything lexed as a name may be a defined name
		if isNameStart(rune(lit[0])) || lit[0] == charLBracket || lit[0] == charApostrophe {
			return rangeBound{}, dynamic
		}
	}
	return rangeBound{}, boundNone
}

// parseReference parses reference text: an optional [book] and sheet
// qualifier followed by a cell, range bound or table reference. a nil node
// with no error means the text is not a reference.
func parseReference(text string) (*ReferenceNode, boundKind, *FormulaError) {
	book, sheet, rest, err := splitQualifier(text)
	if err != nil {
		return nil, boundNone, err
	}
	if strings.HasPrefix(rest, "#") {
		return nil, boundNone, NewFormulaError(ErrorCodeRef, "")
	}
	if strings.ContainsRune(rest, charLBracket) || strings.HasPrefix(text, "[@") {
		return &ReferenceNode{Book: book, Sheet: sheet, Table: rest}, boundNone, nil
	}
	area, kind := parseBound(rest)
	if kind == boundNone {
		return nil, boundNone, nil
	}
	return &ReferenceNode{Book: book, Sheet: sheet, Range: area}, kind, nil
}

// splitQualifier splits [Book]Sheet!A1 into its parts
func splitQualifier(text string) (book, sheet, rest string, ferr *FormulaError) {
	rest = text
	if strings.HasPrefix(rest, "[") && !strings.HasPrefix(rest, "[@") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", "", "", NewFormulaError(ErrorCodeRef, "unclosed workbook name")
		}
		if strings.Contains(rest[end+1:], "!") {
			book = rest[1:end]
			rest = rest[end+1:]
		}
	}

	if strings.HasPrefix(rest, "'") {
		var sb strings.Builder
		i := 1
		for ; i < len(rest); i++ {
			if rest[i] == '\'' {
				if i+1 < len(rest) && rest[i+1] == '\'' {
					sb.WriteByte('\'')
					i++
					continue
				}
				break
			}
			sb.WriteByte(rest[i])
		}
		if i+1 >= len(rest) || rest[i+1] != '!' {
			return "", "", "", NewFormulaError(ErrorCodeRef, "invalid sheet reference")
		}
		return book, sb.String(), rest[i+2:], nil
	}

	// the sheet part never contains '[', a '!' inside a table reference
	// belongs to the table
	if bang := strings.IndexByte(rest, '!'); bang >= 0 && !strings.ContainsRune(rest[:bang], charLBracket) {
		return book, rest[:bang], rest[bang+1:], nil
	}
	return book, "", rest, nil
}

// parseBound parses A1, $A$1, A, $A, 1 and $1 style range bounds
func parseBound(text string) (RangeAddress, boundKind) {
	s := strings.ReplaceAll(text, "$", "")
	if s == "" {
		return RangeAddress{}, boundNone
	}

	letterEnd := 0
	for letterEnd < len(s) && (s[letterEnd] >= 'A' && s[letterEnd] <= 'Z' || s[letterEnd] >= 'a' && s[letterEnd] <= 'z') {
		letterEnd++
	}
	letters, digits := s[:letterEnd], s[letterEnd:]
	for i := 0; i < len(digits); i++ {
		if !isDigit(rune(digits[i])) {
			return RangeAddress{}, boundNone
		}
	}

	col, colOK := -1, false
	if letters != "" {
		col, colOK = columnIndex(letters)
		if !colOK {
			return RangeAddress{}, boundNone
		}
	}
	row := -1
	if digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil || n < 1 || n > MaxRows {
			return RangeAddress{}, boundNone
		}
		row = n - 1
	}

	switch {
	case col >= 0 && row >= 0:
		return CellRange(row, col), boundCell
	case col >= 0:
		return RangeAddress{StartRow: 0, StartColumn: col, EndRow: MaxRows - 1, EndColumn: col}, boundColumn
	default:
		return RangeAddress{StartRow: row, StartColumn: 0, EndRow: row, EndColumn: MaxColumns - 1}, boundRow
	}
}

// columnIndex converts column letters to a zero-based index (A=0, Z=25,
// AA=26, ...)
func columnIndex(letters string) (int, bool) {
	if len(letters) > 3 {
		return 0, false
	}
	col := 0
	for _, ch := range strings.ToUpper(letters) {
		col = col*26 + int(ch-'A') + 1
	}
	col--
	return col, col < MaxColumns
}

// ParseCellAddress parses an A1 style address into zero-based row and column
func ParseCellAddress(address string) (row, col int, err error) {
	area, kind := parseBound(address)
	if kind != boundCell {
		return 0, 0, NewFormulaError(ErrorCodeRef, fmt.Sprintf("invalid cell reference: %s", address))
	}
	return area.StartRow, area.StartColumn, nil
}

func unquoteString(lit string) string {
	if len(lit) >= 2 {
		lit = lit[1 : len(lit)-1]
	}
	return strings.ReplaceAll(lit, `""`, `"`)
}

// parseArrayLiteral parses {1,2;3,4}. elements must be constants.
func parseArrayLiteral(lit string) AstNode {
	body := strings.TrimSuffix(strings.TrimPrefix(lit, "{"), "}")

	var rows [][]Primitive
	var row []Primitive
	var cell strings.Builder
	inString := false

	flush := func() *ErrorNode {
		value, ok := arrayElement(strings.TrimSpace(cell.String()))
		if !ok {
			return errorNode(ErrorCodeValue, "invalid array element %q", cell.String())
		}
		row = append(row, value)
		cell.Reset()
		return nil
	}

	for _, ch := range body {
		switch {
		case ch == charQuote:
			inString = !inString
			cell.WriteRune(ch)
		case inString:
			cell.WriteRune(ch)
		case ch == charComma:
			if err := flush(); err != nil {
				return err
			}
		case ch == ';':
			if err := flush(); err != nil {
				return err
			}
			rows = append(rows, row)
			row = nil
		default:
			cell.WriteRune(ch)
		}
	}
	if err := flush(); err != nil {
		return err
	}
	rows = append(rows, row)

	arr, err := ArrayFromRows(rows)
	if err != nil {
		return errorNode(ErrorCodeValue, "%v", err)
	}
	return &ArrayNode{Value: arr}
}

func arrayElement(text string) (Primitive, bool) {
	if text == "" {
		return nil, false
	}
	if text[0] == charQuote {
		if len(text) < 2 || text[len(text)-1] != charQuote {
			return nil, false
		}
		return unquoteString(text), true
	}
	if code, ok := ParseErrorLiteral(text); ok {
		return NewFormulaError(code, ""), true
	}
	switch strings.ToUpper(text) {
	case "TRUE":
		return true, true
	case "FALSE":
		return false, true
	}
	num, ok := parseNumber(text)
	if !ok {
		return nil, false
	}
	return num, true
}
