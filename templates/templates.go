// Package templates evaluates the value expressions a humidifier is
// composed of. An expression is a text/template body with access to the
// last-known payload of MQTT topics through the state functions; the
// topics an expression references are extracted from its parse tree so
// the bridge knows what to subscribe to.
package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"
	"text/template/parse"

	"github.com/rotisserie/eris"
)

// Expr is a compiled value expression.
type Expr struct {
	src    string
	tmpl   *template.Template
	topics []string
}

// Parse compiles the expression and extracts the topics it reads.
func Parse(src string) (*Expr, error) {
	tmpl, err := template.New("expr").
		Option("missingkey=zero").
		Funcs(exprFuncs(nil)).
		Parse(src)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid template %q", src)
	}
	return &Expr{
		src:    src,
		tmpl:   tmpl,
		topics: referencedTopics(tmpl.Tree.Root),
	}, nil
}

// MustParse is a convenience for tests and fixed expressions.
func MustParse(src string) *Expr {
	expr, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return expr
}

// Topics returns the MQTT topics the expression references through the
// state functions, in first-reference order without duplicates.
func (e *Expr) Topics() []string {
	return e.topics
}

func (e *Expr) String() string {
	return e.src
}

// Render evaluates the expression against the store. vars holds command
// variables such as "humidity" or "mode" and is addressed as {{ .humidity }}.
// Any evaluation failure (unknown topic, unparseable payload) is returned
// as an error; callers keep their previous value.
func (e *Expr) Render(store *Store, vars map[string]any) (string, error) {
	var buf bytes.Buffer
	err := e.tmpl.Funcs(exprFuncs(store)).Execute(&buf, vars)
	if err != nil {
		return "", eris.Wrapf(err, "failed to evaluate template %q", e.src)
	}
	return strings.TrimSpace(buf.String()), nil
}

func exprFuncs(store *Store) template.FuncMap {
	return template.FuncMap{
		"state": func(topic string) (string, error) {
			return stateOf(store, topic)
		},
		"stateFloat": func(topic string) (float64, error) {
			payload, err := stateOf(store, topic)
			if err != nil {
				return 0, err
			}
			value, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
			if err != nil {
				return 0, fmt.Errorf("payload of %s is not a number: %q", topic, payload)
			}
			return value, nil
		},
		"stateJSON": func(topic string, path string) (any, error) {
			payload, err := stateOf(store, topic)
			if err != nil {
				return nil, err
			}
			return jsonLookup(topic, payload, path)
		},
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"round": func(value float64) int {
			return int(math.Round(value))
		},
	}
}

func stateOf(store *Store, topic string) (string, error) {
	if store == nil {
		return "", fmt.Errorf("no state available for %s", topic)
	}
	payload, ok := store.Get(topic)
	if !ok {
		return "", fmt.Errorf("no state received yet for %s", topic)
	}
	return payload, nil
}

func jsonLookup(topic string, payload string, path string) (any, error) {
	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("payload of %s is not JSON: %q", topic, payload)
	}
	for _, key := range strings.Split(path, ".") {
		object, ok := doc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not an object in payload of %s", path, key, topic)
		}
		if doc, ok = object[key]; !ok {
			return nil, fmt.Errorf("%s: no such field %q in payload of %s", path, key, topic)
		}
	}
	return doc, nil
}

var stateFuncNames = []string{"state", "stateFloat", "stateJSON"}

// referencedTopics walks the parse tree collecting string-literal first
// arguments of the state functions.
func referencedTopics(root parse.Node) []string {
	seen := map[string]bool{}
	var topics []string
	var walk func(node parse.Node)

	visitPipe := func(pipe *parse.PipeNode) {
		if pipe == nil {
			return
		}
		for _, cmd := range pipe.Cmds {
			if len(cmd.Args) >= 2 {
				ident, isIdent := cmd.Args[0].(*parse.IdentifierNode)
				literal, isString := cmd.Args[1].(*parse.StringNode)
				if isIdent && isString && isStateFunc(ident.Ident) && !seen[literal.Text] {
					seen[literal.Text] = true
					topics = append(topics, literal.Text)
				}
			}
			for _, arg := range cmd.Args {
				walk(arg)
			}
		}
	}

	walk = func(node parse.Node) {
		switch n := node.(type) {
		case *parse.ListNode:
			if n == nil {
				return
			}
			for _, item := range n.Nodes {
				walk(item)
			}
		case *parse.ActionNode:
			visitPipe(n.Pipe)
		case *parse.PipeNode:
			visitPipe(n)
		case *parse.IfNode:
			visitPipe(n.Pipe)
			walk(n.List)
			walk(n.ElseList)
		case *parse.RangeNode:
			visitPipe(n.Pipe)
			walk(n.List)
			walk(n.ElseList)
		case *parse.WithNode:
			visitPipe(n.Pipe)
			walk(n.List)
			walk(n.ElseList)
		case *parse.TemplateNode:
			visitPipe(n.Pipe)
		}
	}
	walk(root)
	return topics
}

func isStateFunc(name string) bool {
	for _, fn := range stateFuncNames {
		if fn == name {
			return true
		}
	}
	return false
}
