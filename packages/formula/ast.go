package formula

import (
	"fmt"
	"strings"
)

// AstNode is an executable expression tree. nodes own their children, there
// are no parent links; traversal is always top-down.
type AstNode interface {
	// ToString renders the node back to formula text. two formulas with the
	// same structure render identically, which makes the text usable as a
	// deduplication key.
	ToString() string
	// Children returns the direct child nodes in evaluation order
	Children() []AstNode
}

// ValueNode is a literal number, string or boolean. Missing marks an
// argument that was left empty, e.g. the first argument of SUM(,A1).
type ValueNode struct {
	Value   Primitive
	Missing bool
}

func (n *ValueNode) ToString() string {
	if n.Missing {
		return ""
	}
	if s, ok := n.Value.(string); ok {
		return quoteString(s)
	}
	return FormatValue(n.Value)
}

func (n *ValueNode) Children() []AstNode { return nil }

// ErrorNode evaluates to its error. it holds error literals as well as
// problems found while building the tree, like unknown function names.
type ErrorNode struct {
	Err *FormulaError
}

func (n *ErrorNode) ToString() string {
	return n.Err.Code.String()
}

func (n *ErrorNode) Children() []AstNode { return nil }

// ArrayNode is an array literal such as {1,2;3,4}
type ArrayNode struct {
	Value *ArrayValue
}

func (n *ArrayNode) ToString() string {
	return n.Value.String()
}

func (n *ArrayNode) Children() []AstNode { return nil }

// ReferenceNode is a reference as written in the formula. Book and Sheet are
// names, resolved against the workbook when the formula is evaluated; an
// empty Sheet means the sheet the formula lives on. table references keep
// their text in Table and carry no Range.
type ReferenceNode struct {
	Book  string
	Sheet string
	Range RangeAddress
	Table string
}

// IsTable reports whether the node is a structured table reference
func (n *ReferenceNode) IsTable() bool {
	return n.Table != ""
}

func (n *ReferenceNode) ToString() string {
	var sb strings.Builder
	if n.Book != "" {
		sb.WriteString("[" + n.Book + "]")
	}
	if n.Sheet != "" {
		sb.WriteString(quoteSheetName(n.Sheet))
		sb.WriteByte('!')
	}
	if n.IsTable() {
		sb.WriteString(n.Table)
	} else {
		sb.WriteString(n.Range.String())
	}
	return sb.String()
}

func (n *ReferenceNode) Children() []AstNode { return nil }

// quoteSheetName adds quotes when the name would not lex as a bare name
func quoteSheetName(name string) string {
	bare := true
	for i, ch := range name {
		if !isNameChar(ch) || (i == 0 && ch == charPeriod) {
			bare = false
			break
		}
	}
	if bare {
		return name
	}
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

// UnionNode is a parenthesized list of references, e.g. (A1:A3,C1)
type UnionNode struct {
	Items []AstNode
}

func (n *UnionNode) ToString() string {
	items := make([]string, len(n.Items))
	for i, item := range n.Items {
		items[i] = item.ToString()
	}
	return "(" + strings.Join(items, ",") + ")"
}

func (n *UnionNode) Children() []AstNode { return n.Items }

// operator kinds
const (
	OpAdd          = "+"
	OpSubtract     = "-"
	OpMultiply     = "*"
	OpDivide       = "/"
	OpPower        = "^"
	OpConcat       = "&"
	OpEqual        = "="
	OpNotEqual     = "<>"
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpRange        = ":"
	OpPercent      = "%"
	OpSpill        = "#"
	OpIntersect    = "@"
)

// OperatorNode applies a unary or binary operator. unary nodes (prefix
// + -, postfix %, @ and #) have one operand.
type OperatorNode struct {
	Op       string
	Operands []AstNode
}

// IsUnary reports whether the node has a single operand
func (n *OperatorNode) IsUnary() bool {
	return len(n.Operands) == 1
}

func (n *OperatorNode) ToString() string {
	if n.IsUnary() {
		operand := n.Operands[0].ToString()
		switch n.Op {
		case OpPercent:
			return fmt.Sprintf("(%s%%)", operand)
		case OpSpill:
			return operand + "#"
		default:
			return n.Op + operand
		}
	}
	if n.Op == OpRange {
		return n.Operands[0].ToString() + ":" + n.Operands[1].ToString()
	}
	return fmt.Sprintf("(%s%s%s)", n.Operands[0].ToString(), n.Op, n.Operands[1].ToString())
}

func (n *OperatorNode) Children() []AstNode { return n.Operands }

// FunctionNode calls a registered function
type FunctionNode struct {
	Name string
	Fn   *Function
	Args []AstNode
}

func (n *FunctionNode) ToString() string {
	return callString(n.Name, n.Args)
}

func (n *FunctionNode) Children() []AstNode { return n.Args }

// LambdaNode creates a closure over Params
type LambdaNode struct {
	Params []string
	Body   AstNode
}

func (n *LambdaNode) ToString() string {
	args := make([]string, 0, len(n.Params)+1)
	args = append(args, n.Params...)
	args = append(args, n.Body.ToString())
	return "LAMBDA(" + strings.Join(args, ",") + ")"
}

func (n *LambdaNode) Children() []AstNode { return []AstNode{n.Body} }

// LambdaCallNode invokes the lambda its callee evaluates to, for example
// LAMBDA(x,x*2)(4) or a LET-bound lambda called by name
type LambdaCallNode struct {
	Callee AstNode
	Args   []AstNode
}

func (n *LambdaCallNode) ToString() string {
	return callString(n.Callee.ToString(), n.Args)
}

func (n *LambdaCallNode) Children() []AstNode {
	return append([]AstNode{n.Callee}, n.Args...)
}

// LetNode binds Names to Values in order, each visible to the values after
// it and to Body
type LetNode struct {
	Names  []string
	Values []AstNode
	Body   AstNode
}

func (n *LetNode) ToString() string {
	args := make([]string, 0, len(n.Names)*2+1)
	for i, name := range n.Names {
		args = append(args, name, n.Values[i].ToString())
	}
	args = append(args, n.Body.ToString())
	return "LET(" + strings.Join(args, ",") + ")"
}

func (n *LetNode) Children() []AstNode {
	return append(append([]AstNode{}, n.Values...), n.Body)
}

// NameNode reads a name bound by an enclosing LAMBDA or LET
type NameNode struct {
	Name string
}

func (n *NameNode) ToString() string { return n.Name }

func (n *NameNode) Children() []AstNode { return nil }

func callString(name string, args []AstNode) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = arg.ToString()
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ","))
}

// Walk visits node and its descendants depth-first. returning false from
// visit skips the children of that node.
func Walk(node AstNode, visit func(AstNode) bool) {
	if node == nil || !visit(node) {
		return
	}
	for _, child := range node.Children() {
		Walk(child, visit)
	}
}

// IsVolatile reports whether the tree calls a volatile function
func IsVolatile(node AstNode) bool {
	volatile := false
	Walk(node, func(n AstNode) bool {
		if fn, ok := n.(*FunctionNode); ok && fn.Fn != nil && fn.Fn.Volatile {
			volatile = true
		}
		return !volatile
	})
	return volatile
}

// IsAsync reports whether evaluating the tree calls an asynchronous
// function, in which case EvaluateAsync must be used
func IsAsync(node AstNode) bool {
	async := false
	Walk(node, func(n AstNode) bool {
		if fn, ok := n.(*FunctionNode); ok && fn.Fn != nil && fn.Fn.CallAsync != nil {
			async = true
		}
		return !async
	})
	return async
}
