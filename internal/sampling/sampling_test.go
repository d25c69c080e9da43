package sampling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	resp *Response
	err  error
}

func (f *fakeProvider) Complete(context.Context, *Request) (*Response, error) { return f.resp, f.err }

func TestRegistryResolvesDefault(t *testing.T) {
	r := NewRegistry("anthropic")
	fp := &fakeProvider{resp: &Response{Text: "hi"}}
	r.Register("anthropic", fp)

	p, ok := r.Resolve("")
	require.True(t, ok)
	resp, err := p.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
}

func TestRegistryResolvesNamed(t *testing.T) {
	r := NewRegistry("anthropic")
	r.Register("openai", &fakeProvider{resp: &Response{Text: "from openai"}})

	p, ok := r.Resolve("openai")
	require.True(t, ok)
	resp, _ := p.Complete(context.Background(), &Request{})
	assert.Equal(t, "from openai", resp.Text)
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry("anthropic")
	_, ok := r.Resolve("unknown")
	assert.False(t, ok)
}
