package main

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"jitbox/pkg/jit"
	"jitbox/pkg/jitbox"
)

// exprCompiler lowers an infix integer expression straight into a
// Function: each operator becomes one builder call as it is parsed.
//
//	expr   = term { ("+" | "-") term }
//	term   = unary { ("*" | "/") unary }
//	unary  = "-" unary | factor
//	factor = number | ident | "(" expr ")"
type exprCompiler struct {
	fn     *jitbox.Function
	vt     jit.ValueType
	vars   map[string]*jit.Value
	tokens []string
	pos    int
}

// compileExpr emits fn's body: the value of src, returned
func compileExpr(fn *jitbox.Function, vt jit.ValueType, vars map[string]*jit.Value, src string) error {
	tokens, err := tokenize(src)
	if err != nil {
		return err
	}
	c := &exprCompiler{fn: fn, vt: vt, vars: vars, tokens: tokens}

	if err := fn.BeginBlock("entry"); err != nil {
		return err
	}
	v, err := c.expr()
	if err != nil {
		return err
	}
	if c.pos != len(c.tokens) {
		return fmt.Errorf("unexpected %q at token %d", c.tokens[c.pos], c.pos)
	}
	return fn.EndBlockWithReturn(v)
}

func tokenize(src string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(src); {
		r := rune(src[i])
		switch {
		case unicode.IsSpace(r):
			i++
		case strings.ContainsRune("+-*/()", r):
			tokens = append(tokens, string(r))
			i++
		case unicode.IsDigit(r) || unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || unicode.IsLetter(rune(src[j])) || src[j] == '_') {
				j++
			}
			tokens = append(tokens, src[i:j])
			i = j
		default:
			return nil, fmt.Errorf("invalid character %q at %d", r, i)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return tokens, nil
}

func (c *exprCompiler) peek() string {
	if c.pos < len(c.tokens) {
		return c.tokens[c.pos]
	}
	return ""
}

func (c *exprCompiler) next() string {
	t := c.peek()
	c.pos++
	return t
}

// binary applies op and releases operands that were intermediate results
func (c *exprCompiler) binary(op string, l, r *jit.Value) (*jit.Value, error) {
	var (
		v   *jit.Value
		err error
	)
	switch op {
	case "+":
		v, err = c.fn.Add(l, r)
	case "-":
		v, err = c.fn.Sub(l, r)
	case "*":
		v, err = c.fn.Mul(l, r)
	case "/":
		v, err = c.fn.Div(l, r)
	}
	if err != nil {
		return nil, err
	}
	if err := c.release(l); err != nil {
		return nil, err
	}
	if r != l {
		if err := c.release(r); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (c *exprCompiler) release(v *jit.Value) error {
	for _, p := range c.vars {
		if p == v {
			return nil
		}
	}
	return c.fn.Release(v)
}

func (c *exprCompiler) expr() (*jit.Value, error) {
	l, err := c.term()
	if err != nil {
		return nil, err
	}
	for op := c.peek(); op == "+" || op == "-"; op = c.peek() {
		c.next()
		r, err := c.term()
		if err != nil {
			return nil, err
		}
		if l, err = c.binary(op, l, r); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (c *exprCompiler) term() (*jit.Value, error) {
	l, err := c.unary()
	if err != nil {
		return nil, err
	}
	for op := c.peek(); op == "*" || op == "/"; op = c.peek() {
		c.next()
		r, err := c.unary()
		if err != nil {
			return nil, err
		}
		if l, err = c.binary(op, l, r); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (c *exprCompiler) unary() (*jit.Value, error) {
	if c.peek() != "-" {
		return c.factor()
	}
	c.next()
	v, err := c.unary()
	if err != nil {
		return nil, err
	}
	zero, err := c.fn.NewConstant(c.vt, 0)
	if err != nil {
		return nil, err
	}
	return c.binary("-", zero, v)
}

func (c *exprCompiler) factor() (*jit.Value, error) {
	tok := c.next()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case tok == "(":
		v, err := c.expr()
		if err != nil {
			return nil, err
		}
		if c.next() != ")" {
			return nil, fmt.Errorf("missing )")
		}
		return v, nil
	case unicode.IsDigit(rune(tok[0])):
		n, err := strconv.ParseInt(tok, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad literal %q: %w", tok, err)
		}
		return c.fn.NewConstant(c.vt, n)
	}
	if v, ok := c.vars[tok]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown name %q", tok)
}
