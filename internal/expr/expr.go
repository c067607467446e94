// Package expr implements the small boolean expression language used by
// loop termination, step conditions and event exits. The only variable is
// input, bound to the most recent step output.
//
// Supported: or/||, and/&&, not/!, == != < <= > >= in, "not in", len(x),
// string methods find, startswith, endswith, lower, upper, strip and count,
// quoted strings, numbers and true/false.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// InvalidExpressionError reports a parse or evaluation failure.
type InvalidExpressionError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *InvalidExpressionError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("invalid expression %q at %d: %s", e.Expr, e.Pos, e.Msg)
	}
	return fmt.Sprintf("invalid expression %q: %s", e.Expr, e.Msg)
}

// Expr is a compiled expression, safe for concurrent evaluation.
type Expr struct {
	src  string
	root node
}

func (e *Expr) String() string { return e.src }

// Compile parses src into an evaluable expression.
func Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, &InvalidExpressionError{Expr: src, Pos: -1, Msg: "empty expression"}
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, p.errorf("unexpected token %q", p.tokens[p.pos].value)
	}
	return &Expr{src: src, root: root}, nil
}

// Eval evaluates the expression with input bound to the given string.
func (e *Expr) Eval(input string) (Value, error) {
	v, err := e.root.eval(input)
	if err != nil {
		return Value{}, &InvalidExpressionError{Expr: e.src, Pos: -1, Msg: err.Error()}
	}
	return v, nil
}

// Test evaluates the expression and reports its truthiness.
func (e *Expr) Test(input string) (bool, error) {
	v, err := e.Eval(input)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

// Evaluate compiles and evaluates src in one call.
func Evaluate(src, input string) (bool, error) {
	e, err := Compile(src)
	if err != nil {
		return false, err
	}
	return e.Test(input)
}

// --- Parser ---

type parser struct {
	src    string
	tokens []token
	pos    int
}

func (p *parser) errorf(format string, args ...any) error {
	pos := len([]rune(p.src))
	if p.pos < len(p.tokens) {
		pos = p.tokens[p.pos].pos
	}
	return &InvalidExpressionError{Expr: p.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) isOp(values ...string) (string, bool) {
	t := p.peek()
	if t == nil {
		return "", false
	}
	if t.kind != tkOp && t.kind != tkIdent {
		return "", false
	}
	for _, v := range values {
		if t.value == v {
			return v, true
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
		if _, ok := p.isOp("||", "or"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{or: true, left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("&&", "and"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.isOp("!", "not"); ok {
		p.pos++
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}

	if op, ok := p.isOp("==", "!=", ">=", "<=", ">", "<", "in"); ok {
		p.pos++
		right, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: op, left: left, right: right}, nil
	}

	// "not in"
	if _, ok := p.isOp("not"); ok && p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].kind == tkIdent && p.tokens[p.pos+1].value == "in" {
		p.pos += 2
		right, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: &compareNode{op: "in", left: left, right: right}}, nil
	}

	return left, nil
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != tkDot {
			return n, nil
		}
		p.pos++
		t = p.peek()
		if t == nil || t.kind != tkIdent {
			return nil, p.errorf("expected method name after '.'")
		}
		name := p.next().value
		m, ok := methods[name]
		if !ok {
			return nil, p.errorf("unknown method %q", name)
		}
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		if len(args) != m.arity {
			return nil, p.errorf("%s takes %d argument(s), got %d", name, m.arity, len(args))
		}
		n = &methodNode{recv: n, name: name, args: args}
	}
}

func (p *parser) parseArgs() ([]node, error) {
	t := p.peek()
	if t == nil || t.kind != tkLParen {
		return nil, p.errorf("expected '('")
	}
	p.pos++
	var args []node
	if t := p.peek(); t != nil && t.kind == tkRParen {
		p.pos++
		return args, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		t := p.peek()
		if t == nil {
			return nil, p.errorf("expected ')'")
		}
		switch t.kind {
		case tkComma:
			p.pos++
		case tkRParen:
			p.pos++
			return args, nil
		default:
			return nil, p.errorf("unexpected token %q in argument list", t.value)
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, p.errorf("unexpected end of expression")
	}

	switch t.kind {
	case tkLParen:
		p.pos++
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.peek(); t == nil || t.kind != tkRParen {
			return nil, p.errorf("expected ')'")
		}
		p.pos++
		return n, nil

	case tkString:
		p.pos++
		return &literalNode{v: String(t.value)}, nil

	case tkNumber:
		p.pos++
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, &InvalidExpressionError{Expr: p.src, Pos: t.pos, Msg: "invalid number " + t.value}
		}
		return &literalNode{v: Number(f)}, nil

	case tkIdent:
		switch t.value {
		case "true", "True":
			p.pos++
			return &literalNode{v: Bool(true)}, nil
		case "false", "False":
			p.pos++
			return &literalNode{v: Bool(false)}, nil
		case "input":
			p.pos++
			return inputNode{}, nil
		case "len":
			p.pos++
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if len(args) != 1 {
				return nil, p.errorf("len takes exactly one argument")
			}
			return &lenNode{arg: args[0]}, nil
		}
		return nil, p.errorf("unknown identifier %q", t.value)
	}

	return nil, p.errorf("unexpected token %q", t.value)
}
