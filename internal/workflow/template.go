// Package workflow implements the kernel's workflow engine: stepwise
// execution of tool/prompt/resource/parallel/condition/sampling steps over a
// small mustache-style template language, with retry, cost tracking, and
// background execution.
//
// The template evaluator here is hand-written rather than built on a
// general template engine (text/template, mustache libraries) per spec.md
// §9's REDESIGN FLAGS, which call this out explicitly as a deliberate
// simplification: workflow configs only ever need "{{ path.segments }}"
// substitution into a JSON-shaped context, never control flow, so a
// recursive-descent path evaluator over the rendered JSON tree is simpler
// and more auditable than embedding a general templating library.
package workflow

import (
	"container/list"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// compiledTemplate is the parsed form of one "{{ ... }}"-bearing string:
// alternating literal text and path segments.
type compiledTemplate struct {
	parts []templatePart
}

type templatePart struct {
	literal string
	path    []string // non-nil if this part is a {{ path }} reference
}

// parseTemplate splits raw into literal and {{ path }} parts.
func parseTemplate(raw string) compiledTemplate {
	var parts []templatePart
	for {
		start := strings.Index(raw, "{{")
		if start == -1 {
			if raw != "" {
				parts = append(parts, templatePart{literal: raw})
			}
			break
		}
		end := strings.Index(raw[start:], "}}")
		if end == -1 {
			parts = append(parts, templatePart{literal: raw})
			break
		}
		end += start
		if start > 0 {
			parts = append(parts, templatePart{literal: raw[:start]})
		}
		expr := strings.TrimSpace(raw[start+2 : end])
		parts = append(parts, templatePart{path: strings.Split(expr, ".")})
		raw = raw[end+2:]
	}
	return compiledTemplate{parts: parts}
}

// templateCache is a bounded LRU of compiled templates keyed by raw string,
// sized per spec.md §4.G (1000 entries). Hand-rolled with container/list
// rather than an LRU library because no pack repo directly imports one (see
// DESIGN.md) — golang-lru appears only as a transitive tooling dependency.
type templateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key   string
	value compiledTemplate
}

func newTemplateCache(capacity int) *templateCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &templateCache{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *templateCache) get(key string) (compiledTemplate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return compiledTemplate{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (c *templateCache) put(key string, value compiledTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).value = value
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Renderer evaluates "{{ path.segments }}" templates against a context
// value tree, with a bounded cache of compiled templates.
type Renderer struct {
	cache *templateCache
}

// NewRenderer constructs a Renderer with the default 1000-entry cache.
func NewRenderer() *Renderer {
	return &Renderer{cache: newTemplateCache(1000)}
}

// Render walks v (typically a map[string]any step config) and substitutes
// every "{{ path }}" occurrence found in string leaves by looking the path
// up in ctx. A string leaf that is *entirely* one template reference is
// replaced by the referenced value's native type (not stringified); if the
// rendered text of a mixed literal+template string happens to be valid
// JSON, it is parsed back into a native value, matching spec.md §4.G's
// "JSON auto-parse of rendered strings".
func (r *Renderer) Render(v any, ctx map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.renderString(val, ctx)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := r.Render(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := r.Render(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Renderer) renderString(raw string, ctx map[string]any) (any, error) {
	if !strings.Contains(raw, "{{") {
		return raw, nil
	}
	tmpl, ok := r.cache.get(raw)
	if !ok {
		tmpl = parseTemplate(raw)
		r.cache.put(raw, tmpl)
	}

	// A string that is exactly one "{{ path }}" reference (no surrounding
	// literal text) resolves to the referenced value's native type.
	if len(tmpl.parts) == 1 && tmpl.parts[0].path != nil {
		val, err := resolvePath(ctx, tmpl.parts[0].path)
		if err != nil {
			return nil, err
		}
		return val, nil
	}

	var b strings.Builder
	for _, part := range tmpl.parts {
		if part.path == nil {
			b.WriteString(part.literal)
			continue
		}
		val, err := resolvePath(ctx, part.path)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
	}
	rendered := b.String()

	var parsed any
	if json.Unmarshal([]byte(rendered), &parsed) == nil {
		return parsed, nil
	}
	return rendered, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// resolvePath walks ctx following path segments through nested
// map[string]any and []any (numeric segments index into slices).
func resolvePath(ctx map[string]any, path []string) (any, error) {
	var cur any = ctx
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			val, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("template path %q: key %q not found", strings.Join(path, "."), seg)
			}
			cur = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("template path %q: invalid index %q", strings.Join(path, "."), seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("template path %q: cannot descend into %q", strings.Join(path, "."), seg)
		}
	}
	return cur, nil
}
