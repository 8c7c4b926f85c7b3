package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/exploopio/threatrefine/pkg/core"
)

// DefaultDimensions is the vector length of the hashing embedder.
const DefaultDimensions = 384

// HashingEmbedder is a deterministic local embedder: word tokens and
// character trigrams are hashed into a fixed number of signed buckets and
// the term-frequency vector is L2-normalized.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates a hashing embedder; dims <= 0 selects the default.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashingEmbedder{dims: dims}
}

// Name returns the embedder name.
func (h *HashingEmbedder) Name() string {
	return "hashing"
}

// Dimensions returns the vector length.
func (h *HashingEmbedder) Dimensions() int {
	return h.dims
}

// Embed never fails.
func (h *HashingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashingEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dims)
	for _, tok := range tokenize(text) {
		h.add(v, "w:"+tok)
		padded := "#" + tok + "#"
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			h.add(v, "c:"+string(runes[i:i+3]))
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

func (h *HashingEmbedder) add(v []float32, feature string) {
	f := fnv.New32a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum32()
	idx := int(sum % uint32(h.dims))
	// High bit picks the sign so colliding features tend to cancel.
	if sum&0x80000000 != 0 {
		v[idx]--
	} else {
		v[idx]++
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var _ core.Embedder = (*HashingEmbedder)(nil)
