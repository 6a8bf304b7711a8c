package formula

import (
	"fmt"
	"strings"
)

// tokens of synthetic tree nodes
const (
	TokenRoot       = "R_1" // root of every tree
	TokenGroup      = "P_1" // a parenthesized group or one function argument
	TokenLambdaCall = "L_1" // LAMBDA(...)(args): first child is the callee
)

// TokenChild is either a *TokenNode or a TokenLiteral
type TokenChild interface {
	isTokenChild()
}

// TokenLiteral is a leaf of the token tree: an operand in source form
// (number, quoted string, reference, array literal ...) or a binary
// operator.
type TokenLiteral string

func (TokenLiteral) isTokenChild() {}

// TokenNode is one grouping of the token tree. Start and End are rune
// offsets into the formula text, -1 for range and implicit intersection
// nodes.
type TokenNode struct {
	Token    string
	Start    int
	End      int
	Children []TokenChild
}

func (*TokenNode) isTokenChild() {}

// String serializes the tree. the form is stable: the same formula always
// produces the same text.
func (n *TokenNode) String() string {
	var sb strings.Builder
	n.write(&sb)
	return sb.String()
}

func (n *TokenNode) write(sb *strings.Builder) {
	sb.WriteString(n.Token)
	sb.WriteByte('(')
	for i, child := range n.Children {
		if i > 0 {
			sb.WriteByte(' ')
		}
		switch c := child.(type) {
		case *TokenNode:
			c.write(sb)
		case TokenLiteral:
			sb.WriteString(string(c))
		}
	}
	sb.WriteByte(')')
}

// binaryPrecedence ranks binary operators, higher binds tighter. all are
// left-associative. ',' is the union operator inside a bare group.
var binaryPrecedence = map[string]int{
	",":  7,
	"^":  6,
	"*":  5,
	"/":  5,
	"+":  4,
	"-":  4,
	"&":  3,
	"=":  2,
	"<>": 2,
	"<":  2,
	"<=": 2,
	">":  2,
	">=": 2,
}

// IsBinaryOperator reports whether a literal is a binary operator
func IsBinaryOperator(lit TokenLiteral) bool {
	_, ok := binaryPrecedence[string(lit)]
	return ok
}

// Tokenize turns formula text into a token tree. with transformToPostfix
// every operand/operator sequence is reordered into postfix form, which is
// what the AST builder consumes. failures wrap ErrLexical.
func Tokenize(text string, transformToPostfix bool) (*TokenNode, error) {
	lexer := NewLexer(text)
	tokens, err := lexer.Tokenize()
	if err != nil {
		return nil, err
	}

	b := &treeBuilder{tokens: tokens, postfix: transformToPostfix}
	children, err := b.sequence(sequenceRoot)
	if err != nil {
		return nil, err
	}
	if t := b.peek(); t.Type != TokenEOF {
		return nil, newLexError(t.Pos, fmt.Sprintf("unexpected %s %q", t.Type, t.Value))
	}
	return &TokenNode{Token: TokenRoot, Start: 0, End: len(lexer.runes), Children: children}, nil
}

type sequenceKind int

const (
	sequenceRoot sequenceKind = iota
	sequenceGroup
	sequenceArgument
)

// treeBuilder groups a validated token stream into a TokenNode tree
type treeBuilder struct {
	tokens  []Token
	pos     int
	postfix bool
	lastEnd int
}

func (b *treeBuilder) peek() Token {
	return b.tokens[b.pos]
}

func (b *treeBuilder) next() Token {
	t := b.tokens[b.pos]
	if t.Type != TokenEOF {
		b.pos++
		b.lastEnd = t.End
	}
	return t
}

// sequence reads `operand (operator operand)*` up to a terminator. an
// argument may be empty.
func (b *treeBuilder) sequence(kind sequenceKind) ([]TokenChild, error) {
	if kind == sequenceArgument {
		if t := b.peek(); t.Type == TokenComma || t.Type == TokenRightParen {
			return nil, nil
		}
	}

	var items []TokenChild
	for {
		operand, err := b.operand()
		if err != nil {
			return nil, err
		}
		items = append(items, operand)

		t := b.peek()
		switch {
		case t.Type == TokenBinaryOp:
			b.next()
			items = append(items, TokenLiteral(t.Value))
		case t.Type == TokenComma && kind == sequenceGroup:
			b.next()
			items = append(items, TokenLiteral(","))
		default:
			if b.postfix {
				return toPostfix(items), nil
			}
			return items, nil
		}
	}
}

// operand reads prefix operators, a primary, range and spill operators
// and trailing percent signs
func (b *treeBuilder) operand() (TokenChild, error) {
	var prefixes []Token
	for b.peek().Type == TokenUnaryPrefixOp {
		prefixes = append(prefixes, b.next())
	}

	child, err := b.primary()
	if err != nil {
		return nil, err
	}

	// the range operator binds tightest
	for b.peek().Type == TokenColon {
		b.next()
		right, err := b.primary()
		if err != nil {
			return nil, err
		}
		child = &TokenNode{Token: ":", Start: -1, End: -1, Children: []TokenChild{child, right}}
	}

	if t := b.peek(); t.Type == TokenUnaryPostfixOp && t.Value == "#" {
		b.next()
		child = &TokenNode{Token: "#", Start: t.Pos, End: t.End, Children: []TokenChild{child}}
	}

	for i := len(prefixes) - 1; i >= 0; i-- {
		op := prefixes[i]
		node := &TokenNode{Token: op.Value, Start: op.Pos, End: op.End, Children: []TokenChild{child}}
		if op.Value == "@" {
			node.Start, node.End = -1, -1
		}
		child = node
	}

	// percent wraps everything accumulated so far, prefixes included
	for t := b.peek(); t.Type == TokenUnaryPostfixOp && t.Value == "%"; t = b.peek() {
		b.next()
		child = &TokenNode{Token: "%", Start: t.Pos, End: t.End, Children: []TokenChild{child}}
	}
	return child, nil
}

func (b *treeBuilder) primary() (TokenChild, error) {
	t := b.next()
	switch t.Type {
	case TokenNumber, TokenString, TokenBoolean, TokenErrorLiteral, TokenName, TokenArray:
		return TokenLiteral(t.Value), nil

	case TokenLeftParen:
		children, err := b.sequence(sequenceGroup)
		if err != nil {
			return nil, err
		}
		closing := b.next()
		if closing.Type != TokenRightParen {
			return nil, newLexError(closing.Pos, "expected ')'")
		}
		return &TokenNode{Token: TokenGroup, Start: t.Pos, End: closing.End, Children: children}, nil

	case TokenFunction:
		node := &TokenNode{Token: t.Value, Start: t.Pos}
		args, end, err := b.arguments()
		if err != nil {
			return nil, err
		}
		node.Children = args
		node.End = end

		var result TokenChild = node
		// LAMBDA(x, x+1)(2)
		for b.peek().Type == TokenLeftParen {
			args, end, err := b.arguments()
			if err != nil {
				return nil, err
			}
			result = &TokenNode{
				Token:    TokenLambdaCall,
				Start:    node.Start,
				End:      end,
				Children: append([]TokenChild{result}, args...),
			}
		}
		return result, nil
	}

	if t.Type == TokenEOF {
		return nil, newLexError(t.Pos, "unexpected end of formula")
	}
	return nil, newLexError(t.Pos, fmt.Sprintf("unexpected %s %q", t.Type, t.Value))
}

// arguments reads `( arg, arg, ... )` into one group node per argument
func (b *treeBuilder) arguments() ([]TokenChild, int, error) {
	if open := b.next(); open.Type != TokenLeftParen {
		return nil, 0, newLexError(open.Pos, "expected '('")
	}
	if t := b.peek(); t.Type == TokenRightParen {
		b.next()
		return nil, t.End, nil
	}

	var args []TokenChild
	for {
		start := b.peek().Pos
		children, err := b.sequence(sequenceArgument)
		if err != nil {
			return nil, 0, err
		}
		arg := &TokenNode{Token: TokenGroup, Start: start, End: start, Children: children}
		if len(children) > 0 {
			arg.End = b.lastEnd
		}
		args = append(args, arg)

		t := b.next()
		switch t.Type {
		case TokenComma:
			continue
		case TokenRightParen:
			return args, t.End, nil
		default:
			return nil, 0, newLexError(t.Pos, "expected ',' or ')'")
		}
	}
}

// toPostfix reorders an alternating operand/operator sequence using the
// shunting-yard algorithm
func toPostfix(items []TokenChild) []TokenChild {
	out := make([]TokenChild, 0, len(items))
	var ops []TokenLiteral
	for i, item := range items {
		if i%2 == 0 {
			out = append(out, item)
			continue
		}
		op := item.(TokenLiteral)
		for len(ops) > 0 && binaryPrecedence[string(ops[len(ops)-1])] >= binaryPrecedence[string(op)] {
			out = append(out, ops[len(ops)-1])
			ops = ops[:len(ops)-1]
		}
		ops = append(ops, op)
	}
	for i := len(ops) - 1; i >= 0; i-- {
		out = append(out, ops[i])
	}
	return out
}
