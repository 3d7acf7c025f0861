// Package patch derives and applies ordered structural operations over
// generic JSON trees (map[string]any, []any and scalars).
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Op is the kind of a patch operation.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
)

var (
	// ErrPathNotFound indicates an operation addressed a missing location.
	ErrPathNotFound = errors.New("patch path not found")
	// ErrInvalidPath indicates a malformed JSON pointer.
	ErrInvalidPath = errors.New("patch path is invalid")
	// ErrUnknownOp indicates an unsupported operation kind.
	ErrUnknownOp = errors.New("patch op is not supported")
)

// Operation is one change addressed by a JSON pointer.
type Operation struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Diff returns the operations that turn before into after. Object keys are
// visited in sorted order so the output is deterministic. Arrays are compared
// by position.
func Diff(before, after any) []Operation {
	var ops []Operation
	diffNode("", before, after, &ops)
	return ops
}

func diffNode(path string, before, after any, ops *[]Operation) {
	switch b := before.(type) {
	case map[string]any:
		a, ok := after.(map[string]any)
		if !ok {
			*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: Clone(after)})
			return
		}
		for _, key := range unionKeys(b, a) {
			child := path + "/" + EscapeToken(key)
			prev, inBefore := b[key]
			next, inAfter := a[key]
			switch {
			case inBefore && !inAfter:
				*ops = append(*ops, Operation{Op: OpRemove, Path: child})
			case !inBefore && inAfter:
				*ops = append(*ops, Operation{Op: OpAdd, Path: child, Value: Clone(next)})
			default:
				diffNode(child, prev, next, ops)
			}
		}
	case []any:
		a, ok := after.([]any)
		if !ok {
			*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: Clone(after)})
			return
		}
		shared := min(len(b), len(a))
		for i := 0; i < shared; i++ {
			diffNode(path+"/"+strconv.Itoa(i), b[i], a[i], ops)
		}
		for i := len(b) - 1; i >= len(a); i-- {
			*ops = append(*ops, Operation{Op: OpRemove, Path: path + "/" + strconv.Itoa(i)})
		}
		for i := len(b); i < len(a); i++ {
			*ops = append(*ops, Operation{Op: OpAdd, Path: path + "/" + strconv.Itoa(i), Value: Clone(a[i])})
		}
	default:
		if !Equal(before, after) {
			*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: Clone(after)})
		}
	}
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for key := range a {
		keys = append(keys, key)
	}
	for key := range b {
		if _, ok := a[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Apply applies ops in order to a copy of doc and returns the result. The
// input is never modified.
func Apply(doc any, ops []Operation) (any, error) {
	out := Clone(doc)
	for i, op := range ops {
		tokens, err := ParsePointer(op.Path)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		out, err = applyAt(out, tokens, op)
		if err != nil {
			return nil, fmt.Errorf("op %d %s %s: %w", i, op.Op, op.Path, err)
		}
	}
	return out, nil
}

func applyAt(node any, tokens []string, op Operation) (any, error) {
	if len(tokens) == 0 {
		switch op.Op {
		case OpAdd, OpReplace:
			return Clone(op.Value), nil
		case OpRemove:
			return nil, nil
		default:
			return nil, ErrUnknownOp
		}
	}
	key, rest := tokens[0], tokens[1:]

	switch container := node.(type) {
	case map[string]any:
		child, exists := container[key]
		if len(rest) > 0 {
			if !exists {
				return nil, ErrPathNotFound
			}
			updated, err := applyAt(child, rest, op)
			if err != nil {
				return nil, err
			}
			container[key] = updated
			return container, nil
		}
		switch op.Op {
		case OpAdd:
			container[key] = Clone(op.Value)
		case OpReplace:
			if !exists {
				return nil, ErrPathNotFound
			}
			container[key] = Clone(op.Value)
		case OpRemove:
			if !exists {
				return nil, ErrPathNotFound
			}
			delete(container, key)
		default:
			return nil, ErrUnknownOp
		}
		return container, nil

	case []any:
		if len(rest) == 0 && op.Op == OpAdd {
			index := len(container)
			if key != "-" {
				parsed, err := parseIndex(key, len(container))
				if err != nil {
					return nil, err
				}
				index = parsed
			}
			out := make([]any, 0, len(container)+1)
			out = append(out, container[:index]...)
			out = append(out, Clone(op.Value))
			return append(out, container[index:]...), nil
		}
		index, err := parseIndex(key, len(container)-1)
		if err != nil {
			return nil, err
		}
		if len(rest) > 0 {
			updated, err := applyAt(container[index], rest, op)
			if err != nil {
				return nil, err
			}
			container[index] = updated
			return container, nil
		}
		switch op.Op {
		case OpReplace:
			container[index] = Clone(op.Value)
			return container, nil
		case OpRemove:
			return append(container[:index:index], container[index+1:]...), nil
		default:
			return nil, ErrUnknownOp
		}

	default:
		return nil, ErrPathNotFound
	}
}

func parseIndex(token string, max int) (int, error) {
	index, err := strconv.Atoi(token)
	if err != nil || index < 0 || index > max {
		return 0, fmt.Errorf("%w: index %q", ErrPathNotFound, token)
	}
	return index, nil
}

// ParsePointer splits a JSON pointer into unescaped reference tokens.
func ParsePointer(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, pointer)
	}
	parts := strings.Split(pointer[1:], "/")
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
	}
	return parts, nil
}

// EscapeToken escapes one JSON pointer reference token.
func EscapeToken(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}

// Clone deep-copies a generic JSON tree.
func Clone(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			out[key] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = Clone(child)
		}
		return out
	default:
		return value
	}
}

// Equal reports deep equality of two generic JSON trees. Two json.Number
// values compare by their text; mixed number kinds compare by value.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, child := range av {
			other, ok := bv[key]
			if !ok || !Equal(child, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case json.Number:
		if bn, ok := b.(json.Number); ok {
			return av == bn
		}
		x, okA := number(a)
		y, okB := number(b)
		return okA && okB && x == y
	case float64:
		x, okA := number(a)
		y, okB := number(b)
		if okA && okB {
			return x == y
		}
		return false
	case string, bool, nil:
		return a == b
	default:
		return false
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	default:
		return 0, false
	}
}
