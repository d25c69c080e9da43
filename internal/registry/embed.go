// Package registry's Embedder collaborator, named but left unspecified by
// spec.md §4.E/§6 (SPEC_FULL.md §4.M supplies its shape). Semantic search
// must always be available; only the quality of the vectors changes based on
// whether EMBEDDINGS_API_KEY is configured.
package registry

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/openai/openai-go"
)

// Embedder produces a fixed-size embedding vector for a string.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

const hashEmbeddingDim = 64

// HashEmbedder is the zero-configuration default: a deterministic,
// non-semantic hashing embedder. It never calls out to a network and
// produces stable vectors across restarts, so semantic search degrades
// gracefully to keyword-bucket similarity rather than failing outright when
// no embeddings provider is configured.
type HashEmbedder struct{}

func (HashEmbedder) Model() string { return "local-hash-v1" }

func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, hashEmbeddingDim)
	for _, word := range splitWords(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		idx := int(h.Sum32()) % hashEmbeddingDim
		if idx < 0 {
			idx += hashEmbeddingDim
		}
		vec[idx]++
	}
	normalize(vec)
	return vec, nil
}

func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			flush()
			continue
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint when EMBEDDINGS_API_KEY
// is configured, per SPEC_FULL.md §1.B/§4.M.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder wraps an existing openai-go client.
func NewOpenAIEmbedder(client *openai.Client, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{client: client, model: model}
}

func (e *OpenAIEmbedder) Model() string { return e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	embedding := resp.Data[0].Embedding
	out := make([]float32, len(embedding))
	for i, v := range embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors; returns 0 if lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EntityType identifies which of the three registries a search hit resolves
// to (spec.md §4.E: "(entityType, entityId, embedding, model)").
type EntityType string

const (
	EntityTool     EntityType = "tool"
	EntityResource EntityType = "resource"
	EntityPrompt   EntityType = "prompt"
)

// ScoredTool pairs an entity with a similarity score for ranked search
// results (named ScoredTool for historical reasons; it now covers tools,
// resources, and prompts alike).
type ScoredTool struct {
	QualifiedName string
	Type          EntityType
	Name          string
	ServerID      string
	Score         float64
}

// Search embeds query and ranks every stored embedding of the requested
// types by cosine similarity, filtering out anything below threshold before
// truncating to limit (spec.md §4.E). types may be empty to search tools,
// resources, and prompts alike; a score is kept when it is at least
// threshold, so a threshold of 0 still drops negative scores.
func (r *Registry) Search(ctx context.Context, query string, types []EntityType, threshold float64, limit int) ([]ScoredTool, error) {
	embedder := r.embedder
	if embedder == nil {
		embedder = HashEmbedder{}
	}
	queryVec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	wantTool, wantResource, wantPrompt := wantedTypes(types)

	r.mu.RLock()
	var scored []ScoredTool
	if wantTool {
		for serverID, tools := range r.tools {
			for _, t := range tools {
				if len(t.Embedding) == 0 {
					continue
				}
				if score := CosineSimilarity(queryVec, t.Embedding); score >= threshold {
					scored = append(scored, ScoredTool{QualifiedName: qualifiedName(serverID, t.Name), Type: EntityTool, Name: t.Name, ServerID: serverID, Score: score})
				}
			}
		}
	}
	if wantResource {
		for serverID, resources := range r.resources {
			for _, res := range resources {
				if len(res.Embedding) == 0 {
					continue
				}
				if score := CosineSimilarity(queryVec, res.Embedding); score >= threshold {
					scored = append(scored, ScoredTool{QualifiedName: qualifiedName(serverID, res.URI), Type: EntityResource, Name: res.Name, ServerID: serverID, Score: score})
				}
			}
		}
	}
	if wantPrompt {
		for serverID, prompts := range r.prompts {
			for _, p := range prompts {
				if len(p.Embedding) == 0 {
					continue
				}
				if score := CosineSimilarity(queryVec, p.Embedding); score >= threshold {
					scored = append(scored, ScoredTool{QualifiedName: qualifiedName(serverID, p.Name), Type: EntityPrompt, Name: p.Name, ServerID: serverID, Score: score})
				}
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func wantedTypes(types []EntityType) (tool, resource, prompt bool) {
	if len(types) == 0 {
		return true, true, true
	}
	for _, t := range types {
		switch t {
		case EntityTool:
			tool = true
		case EntityResource:
			resource = true
		case EntityPrompt:
			prompt = true
		}
	}
	return tool, resource, prompt
}

// ReindexAll recomputes every tool/resource/prompt's stored embedding from
// its canonical text form ("<name>: <description>. Tags: …"), wiping and
// rebuilding the search index in place (spec.md §4.E).
func (r *Registry) ReindexAll(ctx context.Context) error {
	embedder := r.embedder
	if embedder == nil {
		embedder = HashEmbedder{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tools := range r.tools {
		for name, t := range tools {
			emb, err := embedder.Embed(ctx, canonicalText(t.Name, t.Description, t.Tags))
			if err != nil {
				return err
			}
			t.Embedding = emb
			tools[name] = t
		}
	}
	for _, resources := range r.resources {
		for uri, res := range resources {
			emb, err := embedder.Embed(ctx, canonicalText(res.Name, res.Description, res.Tags))
			if err != nil {
				return err
			}
			res.Embedding = emb
			resources[uri] = res
		}
	}
	for _, prompts := range r.prompts {
		for name, p := range prompts {
			emb, err := embedder.Embed(ctx, canonicalText(p.Name, p.Description, p.Tags))
			if err != nil {
				return err
			}
			p.Embedding = emb
			prompts[name] = p
		}
	}
	return nil
}

func canonicalText(name, description string, tags []string) string {
	return name + ": " + description + ". Tags: " + strings.Join(tags, ", ")
}
