// Package interp resolves {{ path }} references against the execution scope.
// Templates appear in node parameter strings; paths walk dotted segments with
// [i] index and ["k"] quoted-key selectors. Name resolution follows a fixed
// precedence per match: credential alias, in-scope variables, per-node output
// cache (by node name or id), then the current item map. Credential matches
// are tagged secret so the logger can redact rendered strings.
package interp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type (
	// Scope supplies the four resolution tiers. Lookup functions may be nil,
	// in which case the tier always misses.
	Scope struct {
		// Credential resolves a credential alias to its plaintext secret.
		Credential func(name string) (string, bool)
		// Variable resolves an execution/workflow/global variable.
		Variable func(name string) (any, bool)
		// NodeOutput resolves a node reference (display name or id) to the
		// first item of that node's last main output envelope.
		NodeOutput func(ref string) (workflow.Item, bool)
		// Item is the current input item.
		Item workflow.Item
	}

	// Result is a rendered template plus the names of any secrets spliced
	// into it. Log emission uses Secrets to redact the rendered value.
	Result struct {
		// Value is the rendered string.
		Value string
		// Secrets lists the plaintext secret values that were interpolated.
		Secrets []string
	}
)

// Interpolate renders every {{ path }} reference in template. Missing paths
// render as the empty string. Unbalanced braces fail with a config-kind
// error so executors reject malformed parameters at entry rather than
// mid-run.
func Interpolate(template string, scope Scope) (Result, error) {
	var (
		out     strings.Builder
		secrets []string
		rest    = template
	)
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if strings.Contains(rest, "}}") {
				return Result{}, engineerrors.Newf(engineerrors.KindConfig, "malformed template %q: unbalanced braces", template)
			}
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:open])
		rest = rest[open+2:]
		closing := strings.Index(rest, "}}")
		if closing < 0 {
			return Result{}, engineerrors.Newf(engineerrors.KindConfig, "malformed template %q: unbalanced braces", template)
		}
		path := strings.TrimSpace(rest[:closing])
		rest = rest[closing+2:]

		val, secret, err := Resolve(path, scope)
		if err != nil {
			return Result{}, err
		}
		rendered := renderValue(val)
		if secret && rendered != "" {
			secrets = append(secrets, rendered)
		}
		out.WriteString(rendered)
	}
	return Result{Value: out.String(), Secrets: secrets}, nil
}

// Resolve evaluates a single path against the scope and returns the typed
// value for condition evaluation and numeric comparison. The boolean secret
// return reports a credential-tier hit. A missing path returns (nil, false,
// nil).
func Resolve(path string, scope Scope) (val any, secret bool, err error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, false, err
	}
	if len(segments) == 0 {
		return nil, false, nil
	}
	head, ok := segments[0].key()
	if !ok {
		// Leading index selector has no tier to apply to.
		return nil, false, engineerrors.Newf(engineerrors.KindConfig, "path %q: leading index selector", path)
	}

	if scope.Credential != nil {
		if s, hit := scope.Credential(head); hit {
			v, _, werr := walk(s, segments[1:])
			return v, true, werr
		}
	}
	if scope.Variable != nil {
		if v, hit := scope.Variable(head); hit {
			v, _, werr := walk(v, segments[1:])
			return v, false, werr
		}
	}
	if scope.NodeOutput != nil {
		if item, hit := scope.NodeOutput(head); hit {
			v, _, werr := walk(item, segments[1:])
			return v, false, werr
		}
	}
	if scope.Item != nil {
		if v, hit := scope.Item[head]; hit {
			v, _, werr := walk(v, segments[1:])
			return v, false, werr
		}
	}
	return nil, false, nil
}

// segment is one resolved path step: either a string key or an array index.
type segment struct {
	name  string
	index int
	isIdx bool
}

func (s segment) key() (string, bool) {
	if s.isIdx {
		return "", false
	}
	return s.name, true
}

// splitPath parses dotted paths with bracket selectors: a.b[2]["dotted.key"].
func splitPath(path string) ([]segment, error) {
	var segs []segment
	rest := path
	for rest != "" {
		switch {
		case rest[0] == '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, engineerrors.Newf(engineerrors.KindConfig, "path %q: unterminated bracket selector", path)
			}
			inner := rest[1:end]
			rest = rest[end+1:]
			rest = strings.TrimPrefix(rest, ".")
			if len(inner) >= 2 && inner[0] == '"' && inner[len(inner)-1] == '"' {
				segs = append(segs, segment{name: inner[1 : len(inner)-1]})
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil {
				return nil, engineerrors.Newf(engineerrors.KindConfig, "path %q: bad index %q", path, inner)
			}
			segs = append(segs, segment{index: idx, isIdx: true})
		default:
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				segs = append(segs, segment{name: rest})
				rest = ""
				continue
			}
			if rest[end] == '.' {
				segs = append(segs, segment{name: rest[:end]})
				rest = rest[end+1:]
				continue
			}
			segs = append(segs, segment{name: rest[:end]})
			rest = rest[end:]
		}
	}
	return segs, nil
}

// walk descends into val following the remaining segments. Missing steps
// resolve to nil rather than erroring: interpolation renders them empty and
// typed callers see ∅.
func walk(val any, segs []segment) (any, bool, error) {
	cur := val
	for _, s := range segs {
		if cur == nil {
			return nil, false, nil
		}
		if s.isIdx {
			arr, ok := asSlice(cur)
			if !ok || s.index < 0 || s.index >= len(arr) {
				return nil, false, nil
			}
			cur = arr[s.index]
			continue
		}
		m, ok := asMap(cur)
		if !ok {
			return nil, false, nil
		}
		cur, ok = m[s.name]
		if !ok {
			return nil, false, nil
		}
	}
	return cur, false, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []workflow.Item:
		out := make([]any, len(s))
		for i, it := range s {
			out[i] = it
		}
		return out, true
	default:
		return nil, false
	}
}

// renderValue converts a resolved value into its string form for splicing
// into a template. Maps and slices render as compact JSON.
func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
