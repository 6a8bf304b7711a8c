package formula

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType represents different types of tokens in formulas
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenNumber
	TokenString
	TokenBoolean
	TokenErrorLiteral
	TokenName // cell, range bound, sheet or book qualified reference, table, defined name
	TokenFunction
	TokenArray
	TokenUnaryPrefixOp  // + - @
	TokenUnaryPostfixOp // % and the # spill marker
	TokenBinaryOp
	TokenComma
	TokenColon
	TokenLeftParen
	TokenRightParen
)

var tokenTypeNames = map[TokenType]string{
	TokenEOF:            "end of formula",
	TokenNumber:         "number",
	TokenString:         "string",
	TokenBoolean:        "boolean",
	TokenErrorLiteral:   "error literal",
	TokenName:           "name",
	TokenFunction:       "function",
	TokenArray:          "array",
	TokenUnaryPrefixOp:  "prefix operator",
	TokenUnaryPostfixOp: "postfix operator",
	TokenBinaryOp:       "operator",
	TokenComma:          "','",
	TokenColon:          "':'",
	TokenLeftParen:      "'('",
	TokenRightParen:     "')'",
}

func (t TokenType) String() string {
	return tokenTypeNames[t]
}

// character classification constants. slightly easier to read.
const (
	charNull       = 0
	charTab        = '\t'
	charNewline    = '\n'
	charReturn     = '\r'
	charSpace      = ' '
	charQuote      = '"'
	charApostrophe = '\''
	charPercent    = '%'
	charAmpersand  = '&'
	charLParen     = '('
	charRParen     = ')'
	charAsterisk   = '*'
	charPlus       = '+'
	charComma      = ','
	charMinus      = '-'
	charPeriod     = '.'
	charSlash      = '/'
	charColon      = ':'
	charLess       = '<'
	charEqual      = '='
	charGreater    = '>'
	charCaret      = '^'
	charUnderscore = '_'
	charExclaim    = '!'
	charAt         = '@'
	charHash       = '#'
	charDollar     = '$'
	charBackslash  = '\\'
	charLBrace     = '{'
	charRBrace     = '}'
	charLBracket   = '['
	charRBracket   = ']'
)

// TokenState represents the lexer state for validation
type TokenState int

const (
	StateStart TokenState = iota
	StateAfterValue
	StateAfterOperator
	StateAfterLeftParen
	StateAfterRightParen
	StateAfterComma
	StateAfterColon
	StateAfterFunction
)

var operandTokens = []TokenType{
	TokenNumber, TokenString, TokenBoolean, TokenErrorLiteral, TokenName,
	TokenFunction, TokenArray, TokenUnaryPrefixOp, TokenLeftParen,
}

func tokenSet(types ...[]TokenType) map[TokenType]bool {
	set := make(map[TokenType]bool)
	for _, group := range types {
		for _, t := range group {
			set[t] = true
		}
	}
	return set
}

// tokenTransitions maps the current state to valid next token types
var tokenTransitions = map[TokenState]map[TokenType]bool{
	StateStart:         tokenSet(operandTokens),
	StateAfterOperator: tokenSet(operandTokens),
	StateAfterValue: tokenSet([]TokenType{
		TokenBinaryOp, TokenUnaryPostfixOp, TokenColon, TokenRightParen, TokenComma, TokenEOF,
	}),
	// a comma or ')' directly after '(' means a missing first argument or
	// an argument-less call
	StateAfterLeftParen: tokenSet(operandTokens, []TokenType{TokenRightParen, TokenComma}),
	// a '(' after ')' is a lambda invocation
	StateAfterRightParen: tokenSet([]TokenType{
		TokenBinaryOp, TokenUnaryPostfixOp, TokenColon, TokenRightParen, TokenComma, TokenEOF, TokenLeftParen,
	}),
	StateAfterComma: tokenSet(operandTokens, []TokenType{TokenRightParen, TokenComma}),
	StateAfterColon: tokenSet([]TokenType{TokenName, TokenNumber, TokenFunction}),
	StateAfterFunction: tokenSet([]TokenType{TokenLeftParen}),
}

// Token represents a lexical token with position information. positions
// are rune offsets into the formula text.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
	End   int
}

// Lexer splits formula text into tokens, validating the order in which
// they appear.
type Lexer struct {
	input      string
	runes      []rune // UTF-8 aware representation
	pos        int
	state      TokenState
	parenDepth int
	tokens     []Token
}

// NewLexer creates a new lexer for the given formula text
func NewLexer(input string) *Lexer {
	return &Lexer{
		input: input,
		runes: []rune(input),
		state: StateStart,
	}
}

// Tokenize tokenizes the entire input. a leading '=' is optional.
func (l *Lexer) Tokenize() ([]Token, error) {
	l.skipWhitespace()
	if l.current() == charEqual {
		l.pos++
	}

	for {
		tok, err := l.nextToken()
		if err != nil {
			return nil, err
		}
		if !l.validateTransition(tok.Type) {
			if tok.Type == TokenEOF {
				return nil, newLexError(tok.Pos, "unexpected end of formula")
			}
			return nil, newLexError(tok.Pos, fmt.Sprintf("unexpected %s %q", tok.Type, tok.Value))
		}
		l.tokens = append(l.tokens, tok)
		l.updateState(tok)
		if tok.Type == TokenEOF {
			break
		}
	}

	if l.parenDepth > 0 {
		return nil, newLexError(len(l.runes), "unbalanced parentheses: missing closing parenthesis")
	}
	return l.tokens, nil
}

// validateTransition checks if the token type is valid in current state
func (l *Lexer) validateTransition(tokenType TokenType) bool {
	validTokens, exists := tokenTransitions[l.state]
	if !exists {
		return false
	}
	return validTokens[tokenType]
}

// updateState updates the lexer state based on the token
func (l *Lexer) updateState(tok Token) {
	switch tok.Type {
	case TokenNumber, TokenString, TokenBoolean, TokenErrorLiteral, TokenName, TokenArray, TokenUnaryPostfixOp:
		l.state = StateAfterValue
	case TokenUnaryPrefixOp, TokenBinaryOp:
		l.state = StateAfterOperator
	case TokenFunction:
		l.state = StateAfterFunction
	case TokenLeftParen:
		l.state = StateAfterLeftParen
	case TokenRightParen:
		l.state = StateAfterRightParen
	case TokenComma:
		l.state = StateAfterComma
	case TokenColon:
		l.state = StateAfterColon
	}
}

// isUnaryContext checks if the lexer is expecting an operand, which is
// where '+' and '-' are prefix operators and '#' starts an error literal
func (l *Lexer) isUnaryContext() bool {
	switch l.state {
	case StateStart, StateAfterOperator, StateAfterLeftParen, StateAfterComma:
		return true
	default:
		return false
	}
}

// nextToken returns the next token from the input
func (l *Lexer) nextToken() (Token, error) {
	l.skipWhitespace()

	if l.pos >= len(l.runes) {
		return Token{Type: TokenEOF, Pos: l.pos, End: l.pos}, nil
	}

	start := l.pos
	ch := l.current()

	switch {
	case ch == charQuote:
		return l.scanString()
	case ch == charApostrophe:
		return l.scanQuotedReference()
	case ch == charLBrace:
		return l.scanArray()
	case ch == charHash && l.isUnaryContext():
		return l.scanErrorLiteral()
	case isDigit(ch) || (ch == charPeriod && isDigit(l.peek(1))):
		return l.scanNumber()
	case ch == charLBracket || isNameStart(ch):
		return l.scanName()
	}

	switch ch {
	case charLParen:
		l.pos++
		l.parenDepth++
		return l.token(TokenLeftParen, start), nil
	case charRParen:
		l.pos++
		l.parenDepth--
		if l.parenDepth < 0 {
			return Token{}, newLexError(start, "unbalanced parentheses: unexpected closing parenthesis")
		}
		return l.token(TokenRightParen, start), nil
	case charComma:
		l.pos++
		return l.token(TokenComma, start), nil
	case charColon:
		l.pos++
		return l.token(TokenColon, start), nil
	case charPlus, charMinus:
		l.pos++
		if l.isUnaryContext() {
			return l.token(TokenUnaryPrefixOp, start), nil
		}
		return l.token(TokenBinaryOp, start), nil
	case charAt:
		l.pos++
		return l.token(TokenUnaryPrefixOp, start), nil
	case charPercent, charHash:
		l.pos++
		return l.token(TokenUnaryPostfixOp, start), nil
	case charAsterisk, charSlash, charCaret, charAmpersand, charEqual, charLess, charGreater:
		return l.scanBinaryOp(), nil
	}

	return Token{}, newLexError(start, fmt.Sprintf("unexpected character %q", ch))
}

// token builds a token spanning start..pos
func (l *Lexer) token(tokenType TokenType, start int) Token {
	return Token{Type: tokenType, Value: l.substring(start, l.pos), Pos: start, End: l.pos}
}

// helper methods for character navigation and classification

// substring returns a substring of the original input based on rune positions
func (l *Lexer) substring(start, end int) string {
	if start < 0 || end > len(l.runes) || start > end {
		return ""
	}
	return string(l.runes[start:end])
}

func (l *Lexer) current() rune {
	if l.pos >= len(l.runes) {
		return charNull
	}
	return l.runes[l.pos]
}

func (l *Lexer) peek(offset int) rune {
	pos := l.pos + offset
	if pos >= len(l.runes) || pos < 0 {
		return charNull
	}
	return l.runes[pos]
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charSpace || ch == charTab || ch == charNewline || ch == charReturn {
			l.pos++
		} else {
			break
		}
	}
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isNameStart(ch rune) bool {
	return unicode.IsLetter(ch) || ch == charUnderscore || ch == charBackslash || ch == charDollar
}

func isNameChar(ch rune) bool {
	return isNameStart(ch) || isDigit(ch) || ch == charPeriod
}

// scanNumber scans a number token including decimals and scientific notation
func (l *Lexer) scanNumber() (Token, error) {
	start := l.pos

	// scan integer part
	for isDigit(l.current()) {
		l.pos++
	}

	// sheet names may start with digits, e.g. 2024!A1
	if l.current() == charExclaim || (isNameStart(l.current()) && l.current() != 'e' && l.current() != 'E') {
		l.pos = start
		return l.scanName()
	}

	// check for decimal part
	if l.current() == charPeriod {
		l.pos++ // consume '.'
		for isDigit(l.current()) {
			l.pos++
		}
	}

	// check for scientific notation (e or E)
	if l.current() == 'e' || l.current() == 'E' {
		saved := l.pos
		l.pos++ // consume 'e' or 'E'

		// optional + or - sign
		if l.current() == charPlus || l.current() == charMinus {
			l.pos++
		}

		// must have at least one digit after e/E
		if !isDigit(l.current()) {
			// not scientific notation, restore position
			l.pos = saved
		} else {
			for isDigit(l.current()) {
				l.pos++
			}
		}
	}

	return l.token(TokenNumber, start), nil
}

// scanString scans a string literal with support for double-quote escapes.
// the token keeps the quotes, the AST builder unescapes.
func (l *Lexer) scanString() (Token, error) {
	start := l.pos
	l.pos++ // consume opening quote

	for l.pos < len(l.runes) {
		if l.current() == charQuote {
			if l.peek(1) == charQuote {
				l.pos += 2 // escaped quote
				continue
			}
			l.pos++ // consume closing quote
			return l.token(TokenString, start), nil
		}
		l.pos++
	}

	return Token{}, newLexError(start, "unclosed string literal")
}

// scanQuotedReference scans 'sheet name'!A1 style references
func (l *Lexer) scanQuotedReference() (Token, error) {
	start := l.pos
	l.pos++ // consume opening single quote

	for {
		if l.pos >= len(l.runes) {
			return Token{}, newLexError(start, "unclosed worksheet name")
		}
		if l.current() == charApostrophe {
			if l.peek(1) == charApostrophe {
				l.pos += 2 // escaped apostrophe
				continue
			}
			l.pos++ // consume closing single quote
			break
		}
		l.pos++
	}

	if l.current() != charExclaim {
		return Token{}, newLexError(l.pos, "expected '!' after worksheet name")
	}
	l.pos++ // consume !

	if err := l.scanReferencePart(start); err != nil {
		return Token{}, err
	}
	return l.token(TokenName, start), nil
}

// scanName scans identifiers, function names, booleans, cell and range
// bounds, sheet and book qualified references and table references
func (l *Lexer) scanName() (Token, error) {
	start := l.pos

	// [Book1]Sheet1!A1 or a this-row table reference like [@Price]
	if l.current() == charLBracket {
		if err := l.skipBracketed(); err != nil {
			return Token{}, err
		}
		if l.current() == charApostrophe {
			return Token{}, newLexError(l.pos, "unexpected quote in reference")
		}
	}

	for isNameChar(l.current()) {
		l.pos++
	}

	switch l.current() {
	case charLBracket:
		// Table1[Column] or Table1[[#All],[Column]]
		if err := l.skipBracketed(); err != nil {
			return Token{}, err
		}
		return l.token(TokenName, start), nil
	case charExclaim:
		l.pos++ // consume !
		if err := l.scanReferencePart(start); err != nil {
			return Token{}, err
		}
		return l.token(TokenName, start), nil
	case charLParen:
		return Token{Type: TokenFunction, Value: l.substring(start, l.pos), Pos: start, End: l.pos}, nil
	}

	tok := l.token(TokenName, start)
	if upper := strings.ToUpper(tok.Value); upper == "TRUE" || upper == "FALSE" {
		tok.Type = TokenBoolean
		tok.Value = upper
	}
	return tok, nil
}

// scanReferencePart scans what follows the '!' of a qualified reference
func (l *Lexer) scanReferencePart(start int) error {
	if l.current() == charHash {
		// Sheet1!#REF!
		if _, err := l.scanErrorLiteral(); err != nil {
			return err
		}
		return nil
	}
	refStart := l.pos
	for isNameChar(l.current()) {
		l.pos++
	}
	if l.pos == refStart {
		return newLexError(start, "expected reference after '!'")
	}
	return nil
}

// skipBracketed consumes a balanced [...] group. structured references
// nest brackets and use ' to escape special characters.
func (l *Lexer) skipBracketed() error {
	start := l.pos
	depth := 0
	for l.pos < len(l.runes) {
		switch l.current() {
		case charApostrophe:
			l.pos++ // escapes the next character
		case charLBracket:
			depth++
		case charRBracket:
			depth--
			if depth == 0 {
				l.pos++
				return nil
			}
		}
		l.pos++
	}
	return newLexError(start, "unclosed bracket")
}

// scanArray scans an array literal {1,2;3,4} as a single token
func (l *Lexer) scanArray() (Token, error) {
	start := l.pos
	l.pos++ // consume {

	for l.pos < len(l.runes) {
		switch l.current() {
		case charQuote:
			if _, err := l.scanString(); err != nil {
				return Token{}, err
			}
			continue
		case charLBrace:
			return Token{}, newLexError(l.pos, "nested array literal")
		case charRBrace:
			l.pos++
			return l.token(TokenArray, start), nil
		}
		l.pos++
	}
	return Token{}, newLexError(start, "unclosed array literal")
}

// errorLiterals lists every literal error value, longest first so that
// prefixes never shadow longer literals
var errorLiterals = []string{
	"#DIV/0!", "#VALUE!", "#SPILL!", "#ERROR!", "#CALC!",
	"#NULL!", "#NAME?", "#NUM!", "#REF!", "#N/A",
}

// scanErrorLiteral scans error values like #N/A or #DIV/0!
func (l *Lexer) scanErrorLiteral() (Token, error) {
	start := l.pos
	rest := strings.ToUpper(string(l.runes[l.pos:]))
	for _, literal := range errorLiterals {
		if strings.HasPrefix(rest, literal) {
			l.pos += len([]rune(literal))
			tok := l.token(TokenErrorLiteral, start)
			tok.Value = literal
			return tok, nil
		}
	}
	return Token{}, newLexError(start, "unknown error literal")
}

// scanBinaryOp scans binary operators
func (l *Lexer) scanBinaryOp() Token {
	start := l.pos
	ch := l.current()
	l.pos++

	// check for two-character operators
	switch {
	case ch == charLess && (l.current() == charEqual || l.current() == charGreater):
		l.pos++
	case ch == charGreater && l.current() == charEqual:
		l.pos++
	}
	return l.token(TokenBinaryOp, start)
}
