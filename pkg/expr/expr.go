// Package expr evaluates the restricted boolean grammar used by decision
// states: comparisons, boolean operators, parentheses, literals and context
// field lookups. Expressions are parsed to an AST and interpreted directly —
// authored conditions are never compiled or executed as source.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/template"
)

// Evaluate parses and interprets a condition against the task context.
// Callers routing decision states treat any returned error as false.
func Evaluate(input string, taskCtx *models.TaskContext) (bool, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return false, fmt.Errorf("empty expression")
	}

	tokens, err := lex(input)
	if err != nil {
		return false, err
	}

	parser := &parser{tokens: tokens}

	node, err := parser.parseOr()
	if err != nil {
		return false, err
	}

	if !parser.done() {
		return false, fmt.Errorf("unexpected token %q", parser.peek().text)
	}

	return truthy(node.eval(taskCtx)), nil
}

type tokenKind int

const (
	tokenPath tokenKind = iota
	tokenNumber
	tokenString
	tokenOp
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
}

func lex(input string) ([]token, error) {
	var tokens []token

	runes := []rune(input)
	i := 0

	for i < len(runes) {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokenLParen, "("})
			i++
		case r == ')':
			tokens = append(tokens, token{tokenRParen, ")"})
			i++
		case r == '"' || r == '\'':
			quote := r
			j := i + 1

			for j < len(runes) && runes[j] != quote {
				j++
			}

			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}

			tokens = append(tokens, token{tokenString, string(runes[i+1 : j])})
			i = j + 1
		case strings.ContainsRune("=!<>&|", r):
			j := i
			for j < len(runes) && strings.ContainsRune("=!<>&|", runes[j]) {
				j++
			}

			op := string(runes[i:j])
			switch op {
			case "==", "!=", ">=", "<=", ">", "<", "&&", "||", "!":
				tokens = append(tokens, token{tokenOp, op})
			default:
				return nil, fmt.Errorf("unknown operator %q", op)
			}

			i = j
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}

			tokens = append(tokens, token{tokenNumber, string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}

			word := string(runes[i:j])
			if word == "contains" {
				tokens = append(tokens, token{tokenOp, word})
			} else {
				tokens = append(tokens, token{tokenPath, word})
			}

			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}

	return tokens, nil
}

type node interface {
	eval(taskCtx *models.TaskContext) any
}

type literalNode struct{ value any }

func (n literalNode) eval(*models.TaskContext) any { return n.value }

type pathNode struct{ path string }

func (n pathNode) eval(taskCtx *models.TaskContext) any {
	value, ok := template.Resolve(n.path, taskCtx)
	if !ok {
		return nil
	}

	return value
}

type notNode struct{ inner node }

func (n notNode) eval(taskCtx *models.TaskContext) any { return !truthy(n.inner.eval(taskCtx)) }

type binaryNode struct {
	op          string
	left, right node
}

func (n binaryNode) eval(taskCtx *models.TaskContext) any {
	switch n.op {
	case "&&":
		return truthy(n.left.eval(taskCtx)) && truthy(n.right.eval(taskCtx))
	case "||":
		return truthy(n.left.eval(taskCtx)) || truthy(n.right.eval(taskCtx))
	}

	left := n.left.eval(taskCtx)
	right := n.right.eval(taskCtx)

	switch n.op {
	case "==":
		return equal(left, right)
	case "!=":
		return !equal(left, right)
	case "contains":
		return contains(left, right)
	default:
		return ordered(n.op, left, right)
	}
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.done() {
		return token{}
	}

	return p.tokens[p.pos]
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	if p.done() || p.tokens[p.pos].kind != tokenOp {
		return "", false
	}

	for _, op := range ops {
		if p.tokens[p.pos].text == op {
			p.pos++
			return op, true
		}
	}

	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.acceptOp("!"); ok {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return notNode{inner: inner}, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	op, ok := p.acceptOp("==", "!=", ">=", "<=", ">", "<", "contains")
	if !ok {
		return left, nil
	}

	right, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	return binaryNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseTerm() (node, error) {
	if p.done() {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	tok := p.tokens[p.pos]

	switch tok.kind {
	case tokenLParen:
		p.pos++

		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if p.done() || p.tokens[p.pos].kind != tokenRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}

		p.pos++

		return inner, nil
	case tokenNumber:
		p.pos++

		num, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok.text)
		}

		return literalNode{value: num}, nil
	case tokenString:
		p.pos++
		return literalNode{value: tok.text}, nil
	case tokenPath:
		p.pos++

		switch tok.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null":
			return literalNode{value: nil}, nil
		default:
			return pathNode{path: tok.text}, nil
		}
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

func equal(left, right any) bool {
	if lNum, lOK := asNumber(left); lOK {
		if rNum, rOK := asNumber(right); rOK {
			return lNum == rNum
		}
	}

	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func ordered(op string, left, right any) bool {
	lNum, lOK := asNumber(left)
	rNum, rOK := asNumber(right)

	if lOK && rOK {
		switch op {
		case ">":
			return lNum > rNum
		case ">=":
			return lNum >= rNum
		case "<":
			return lNum < rNum
		case "<=":
			return lNum <= rNum
		}
	}

	lStr, lOK := left.(string)
	rStr, rOK := right.(string)

	if lOK && rOK {
		switch op {
		case ">":
			return lStr > rStr
		case ">=":
			return lStr >= rStr
		case "<":
			return lStr < rStr
		case "<=":
			return lStr <= rStr
		}
	}

	return false
}

func contains(left, right any) bool {
	switch l := left.(type) {
	case string:
		return strings.Contains(l, fmt.Sprintf("%v", right))
	case []any:
		for _, item := range l {
			if equal(item, right) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		num, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}

		return num, true
	default:
		return 0, false
	}
}
