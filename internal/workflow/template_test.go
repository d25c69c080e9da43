package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesExactReferenceAsNativeType(t *testing.T) {
	r := NewRenderer()
	ctx := map[string]any{"steps": map[string]any{"a": map[string]any{"count": float64(3)}}}

	out, err := r.Render("{{ steps.a.count }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(3), out)
}

func TestRenderMixedLiteralProducesString(t *testing.T) {
	r := NewRenderer()
	ctx := map[string]any{"input": map[string]any{"name": "world"}}

	out, err := r.Render("hello {{ input.name }}!", ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", out)
}

func TestRenderExactReferenceKeepsJSONStringUnparsed(t *testing.T) {
	r := NewRenderer()
	ctx := map[string]any{"input": map[string]any{"obj": `{"a":1}`}}

	out, err := r.Render("{{ input.obj }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}", out) // exact single reference returns native string, not parsed
}

func TestRenderMissingPathErrors(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render("{{ missing.path }}", map[string]any{})
	require.Error(t, err)
}

func TestRenderNestedMapAndSlice(t *testing.T) {
	r := NewRenderer()
	ctx := map[string]any{"input": map[string]any{"x": "y"}}
	cfg := map[string]any{
		"a": []any{"{{ input.x }}", "literal"},
		"b": map[string]any{"nested": "{{ input.x }}"},
	}

	out, err := r.Render(cfg, ctx)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, []any{"y", "literal"}, m["a"])
	assert.Equal(t, "y", m["b"].(map[string]any)["nested"])
}

func TestTemplateCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := newTemplateCache(2)
	c.put("a", compiledTemplate{})
	c.put("b", compiledTemplate{})
	c.put("c", compiledTemplate{})

	_, ok := c.get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.get("c")
	assert.True(t, ok)
}
