// Package facematch recognises known people among detected faces by
// comparing face embeddings against a gallery of stored references.
package facematch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// DefaultThreshold is the minimum cosine similarity for a match.
	DefaultThreshold = 0.85

	// DefaultEmbeddingSize is the thumbnail edge used by ThumbnailEmbedder.
	DefaultEmbeddingSize = 16
)

var (
	ErrEmptyImage     = errors.New("facematch: empty image")
	ErrEmptyEmbedding = errors.New("facematch: empty embedding")
)

// Embedder turns a face crop into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float64, error)
}

// ThumbnailEmbedder embeds a face as its mean-centred grayscale
// thumbnail. It stands in for an on-device face embedding model, so two
// crops of the same picture embed identically and lighting offsets
// cancel out.
type ThumbnailEmbedder struct {
	Size int
}

func (e ThumbnailEmbedder) Embed(ctx context.Context, img image.Image) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	n := e.Size
	if n <= 0 {
		n = DefaultEmbeddingSize
	}
	thumb := imaging.Resize(imaging.Grayscale(img), n, n, imaging.Box)
	v := make([]float64, n*n)
	for i := range v {
		v[i] = float64(thumb.Pix[i*4])
	}
	floats.AddConst(-stat.Mean(v, nil), v)
	return v, nil
}

// CosineSimilarity returns the cosine of the angle between a and b. It
// is 0 when the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// Reference is one known person.
type Reference struct {
	ID        string
	Name      string
	Embedding []float64
}

// Match is the best reference for an embedding.
type Match struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// Gallery holds the references faces are matched against. It is safe
// for concurrent use.
type Gallery struct {
	mu        sync.RWMutex
	threshold float64
	refs      []Reference
}

// NewGallery returns an empty gallery matching at threshold or above.
func NewGallery(threshold float64) *Gallery {
	return &Gallery{threshold: threshold}
}

// Add stores ref. Every reference must have the same embedding length.
func (g *Gallery) Add(ref Reference) error {
	if len(ref.Embedding) == 0 {
		return fmt.Errorf("reference %s: %w", ref.ID, ErrEmptyEmbedding)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.refs) > 0 && len(g.refs[0].Embedding) != len(ref.Embedding) {
		return fmt.Errorf("reference %s: embedding length %d, gallery uses %d",
			ref.ID, len(ref.Embedding), len(g.refs[0].Embedding))
	}
	g.refs = append(g.refs, ref)
	return nil
}

// Len returns the number of references.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.refs)
}

// Rank scores emb against every reference, best first. Ties go to the
// smaller name, then the smaller ID.
func (g *Gallery) Rank(emb []float64) []Match {
	g.mu.RLock()
	out := make([]Match, 0, len(g.refs))
	for _, ref := range g.refs {
		out = append(out, Match{ID: ref.ID, Name: ref.Name, Similarity: CosineSimilarity(emb, ref.Embedding)})
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Match returns the best reference when its similarity reaches the
// gallery threshold.
func (g *Gallery) Match(emb []float64) (Match, bool) {
	ranked := g.Rank(emb)
	if len(ranked) == 0 || ranked[0].Similarity < g.threshold {
		return Match{}, false
	}
	return ranked[0], true
}
