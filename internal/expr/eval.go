package expr

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type node interface {
	eval(input string) (Value, error)
}

type literalNode struct{ v Value }

func (n *literalNode) eval(string) (Value, error) { return n.v, nil }

type inputNode struct{}

func (inputNode) eval(input string) (Value, error) { return String(input), nil }

type logicalNode struct {
	or          bool
	left, right node
}

func (n *logicalNode) eval(input string) (Value, error) {
	l, err := n.left.eval(input)
	if err != nil {
		return Value{}, err
	}
	if n.or && l.Truthy() {
		return Bool(true), nil
	}
	if !n.or && !l.Truthy() {
		return Bool(false), nil
	}
	r, err := n.right.eval(input)
	if err != nil {
		return Value{}, err
	}
	return Bool(r.Truthy()), nil
}

type notNode struct{ operand node }

func (n *notNode) eval(input string) (Value, error) {
	v, err := n.operand.eval(input)
	if err != nil {
		return Value{}, err
	}
	return Bool(!v.Truthy()), nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n *compareNode) eval(input string) (Value, error) {
	l, err := n.left.eval(input)
	if err != nil {
		return Value{}, err
	}
	r, err := n.right.eval(input)
	if err != nil {
		return Value{}, err
	}

	switch n.op {
	case "==":
		return Bool(l.equal(r)), nil
	case "!=":
		return Bool(!l.equal(r)), nil
	case "in":
		if l.Kind != KindString || r.Kind != KindString {
			return Value{}, fmt.Errorf("'in' requires strings, got %s and %s", l.Kind, r.Kind)
		}
		return Bool(strings.Contains(r.Str, l.Str)), nil
	}

	if l.Kind != r.Kind || l.Kind == KindBool {
		return Value{}, fmt.Errorf("cannot compare %s %s %s", l.Kind, n.op, r.Kind)
	}
	var c int
	if l.Kind == KindNumber {
		switch {
		case l.Num < r.Num:
			c = -1
		case l.Num > r.Num:
			c = 1
		}
	} else {
		c = strings.Compare(l.Str, r.Str)
	}

	switch n.op {
	case "<":
		return Bool(c < 0), nil
	case "<=":
		return Bool(c <= 0), nil
	case ">":
		return Bool(c > 0), nil
	case ">=":
		return Bool(c >= 0), nil
	}
	return Value{}, fmt.Errorf("unknown operator %q", n.op)
}

type lenNode struct{ arg node }

func (n *lenNode) eval(input string) (Value, error) {
	v, err := n.arg.eval(input)
	if err != nil {
		return Value{}, err
	}
	if v.Kind != KindString {
		return Value{}, fmt.Errorf("len requires a string, got %s", v.Kind)
	}
	return Number(float64(utf8.RuneCountInString(v.Str))), nil
}

type methodNode struct {
	recv node
	name string
	args []node
}

type method struct {
	arity int
	fn    func(recv string, args []string) Value
}

var methods = map[string]method{
	"find": {1, func(s string, a []string) Value {
		i := strings.Index(s, a[0])
		if i < 0 {
			return Number(-1)
		}
		return Number(float64(utf8.RuneCountInString(s[:i])))
	}},
	"startswith": {1, func(s string, a []string) Value { return Bool(strings.HasPrefix(s, a[0])) }},
	"endswith":   {1, func(s string, a []string) Value { return Bool(strings.HasSuffix(s, a[0])) }},
	"count":      {1, func(s string, a []string) Value { return Number(float64(strings.Count(s, a[0]))) }},
	"lower":      {0, func(s string, _ []string) Value { return String(strings.ToLower(s)) }},
	"upper":      {0, func(s string, _ []string) Value { return String(strings.ToUpper(s)) }},
	"strip":      {0, func(s string, _ []string) Value { return String(strings.TrimSpace(s)) }},
}

func (n *methodNode) eval(input string) (Value, error) {
	recv, err := n.recv.eval(input)
	if err != nil {
		return Value{}, err
	}
	if recv.Kind != KindString {
		return Value{}, fmt.Errorf("%s called on %s", n.name, recv.Kind)
	}
	m := methods[n.name]
	if len(n.args) != m.arity {
		return Value{}, fmt.Errorf("%s takes %d argument(s), got %d", n.name, m.arity, len(n.args))
	}
	args := make([]string, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(input)
		if err != nil {
			return Value{}, err
		}
		if v.Kind != KindString {
			return Value{}, fmt.Errorf("%s argument must be a string, got %s", n.name, v.Kind)
		}
		args[i] = v.Str
	}
	return m.fn(recv.Str, args), nil
}
