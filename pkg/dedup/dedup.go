// Package dedup collapses survivors that describe the same issue into
// clusters, using DBSCAN over description embeddings within each
// (component, STRIDE category) group.
package dedup

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/embedding"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/metrics"
	"github.com/exploopio/threatrefine/pkg/model"
)

// Metric is the distance used between embeddings.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
)

// Defaults.
const (
	DefaultSimilarity = 0.85
	DefaultMinPoints  = 1
)

// Config configures the deduplicator.
type Config struct {
	// Primary embedder; nil uses Fallback directly
	Embedder core.Embedder

	// Used when the primary embedder fails (default: hashing embedder)
	Fallback core.Embedder

	// Distance metric (default cosine)
	Metric Metric

	// Cosine similarity at or above which two descriptions are neighbours
	Similarity float64

	// DBSCAN minimum neighbourhood size, counting the point itself
	MinPoints int

	Logger  core.Logger
	Metrics metrics.Collector
}

// Deduplicator clusters survivors. It holds no per-run state.
type Deduplicator struct {
	primary   core.Embedder
	fallback  core.Embedder
	metric    Metric
	eps       float64
	minPoints int
	logger    core.Logger
	metrics   metrics.Collector
}

// New creates a Deduplicator.
func New(cfg Config) *Deduplicator {
	if cfg.Fallback == nil {
		cfg.Fallback = embedding.NewHashingEmbedder(0)
	}
	if cfg.Similarity <= 0 || cfg.Similarity > 1 {
		cfg.Similarity = DefaultSimilarity
	}
	if cfg.MinPoints < 1 {
		cfg.MinPoints = DefaultMinPoints
	}
	if cfg.Metric != MetricEuclidean {
		cfg.Metric = MetricCosine
	}
	return &Deduplicator{
		primary:   cfg.Embedder,
		fallback:  cfg.Fallback,
		metric:    cfg.Metric,
		eps:       Epsilon(cfg.Metric, cfg.Similarity),
		minPoints: cfg.MinPoints,
		logger:    core.OrNop(cfg.Logger),
		metrics:   metrics.OrNop(cfg.Metrics),
	}
}

// Epsilon derives the DBSCAN radius from a cosine similarity threshold.
// For unit vectors the euclidean distance is sqrt(2 - 2cos).
func Epsilon(metric Metric, similarity float64) float64 {
	if metric == MetricEuclidean {
		return math.Sqrt(2 * (1 - similarity))
	}
	return 1 - similarity
}

// Deduplicate groups survivors and clusters each group. Every survivor ends
// up in exactly one cluster; clusters come out ordered by component, STRIDE
// order and then discovery order. stats may be nil.
func (d *Deduplicator) Deduplicate(ctx context.Context, survivors []model.ThreatCandidate, stats *model.RunStatistics) []model.ThreatCluster {
	if len(survivors) == 0 {
		return nil
	}
	groups := groupCandidates(survivors)
	vectors := d.embed(ctx, survivors, stats)

	var clusters []model.ThreatCluster
	for _, g := range groups {
		points := make([][]float32, len(g))
		for i, c := range g {
			points[i] = vectors[c.Description]
		}
		for _, members := range d.dbscan(points) {
			clusters = append(clusters, merge(g, members))
		}
	}

	merged := 0
	for _, c := range clusters {
		merged += c.Size() - 1
	}
	if merged > 0 {
		d.metrics.CounterAdd(metrics.ClustersMergedTotal.Name, float64(merged))
	}
	if stats != nil {
		stats.SetClusters(clusters)
	}
	d.logger.Info("dedup: %d survivors in %d groups -> %d clusters", len(survivors), len(groups), len(clusters))
	return clusters
}

// groupCandidates splits by (component, category) and sorts each group by
// (description, id) so clustering visits points in a stable order.
func groupCandidates(cands []model.ThreatCandidate) [][]model.ThreatCandidate {
	type key struct {
		component string
		category  model.StrideCategory
	}
	index := make(map[key]int)
	var keys []key
	var groups [][]model.ThreatCandidate
	for _, c := range cands {
		k := key{c.ComponentRef, c.StrideCategory}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			keys = append(keys, k)
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}

	order := make([]int, len(groups))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ka, kb := keys[order[a]], keys[order[b]]
		if ka.component != kb.component {
			return ka.component < kb.component
		}
		if ka.category.Order() != kb.category.Order() {
			return ka.category.Order() < kb.category.Order()
		}
		return ka.category < kb.category
	})

	out := make([][]model.ThreatCandidate, 0, len(groups))
	for _, i := range order {
		g := groups[i]
		sort.SliceStable(g, func(a, b int) bool {
			if g[a].Description != g[b].Description {
				return g[a].Description < g[b].Description
			}
			return g[a].ID < g[b].ID
		})
		out = append(out, g)
	}
	return out
}

// embed returns one vector per distinct description.
func (d *Deduplicator) embed(ctx context.Context, cands []model.ThreatCandidate, stats *model.RunStatistics) map[string][]float32 {
	seen := make(map[string]struct{}, len(cands))
	var texts []string
	for _, c := range cands {
		if _, ok := seen[c.Description]; ok {
			continue
		}
		seen[c.Description] = struct{}{}
		texts = append(texts, c.Description)
	}

	var vecs [][]float32
	var err error
	if d.primary != nil {
		vecs, err = d.primary.Embed(ctx, texts)
		if err == nil && len(vecs) != len(texts) {
			err = errors.E(errors.KindTransientNetwork, "dedup.embed",
				fmt.Sprintf("embedder %s returned %d vectors for %d texts", d.primary.Name(), len(vecs), len(texts)))
		}
		if err != nil {
			d.logger.Warn("dedup: embedder %s failed, using %s: %v", d.primary.Name(), d.fallback.Name(), err)
			d.metrics.CounterInc(metrics.EmbeddingFallbacksTotal.Name)
			if stats != nil {
				stats.RecordError(err)
			}
		}
	}
	if d.primary == nil || err != nil {
		// The hashing embedder never fails.
		vecs, _ = d.fallback.Embed(ctx, texts)
	}

	out := make(map[string][]float32, len(texts))
	for i, t := range texts {
		if i < len(vecs) {
			out[t] = vecs[i]
		}
	}
	return out
}

func (d *Deduplicator) distance(a, b []float32) float64 {
	if d.metric == MetricEuclidean {
		return embedding.Euclidean(unit(a), unit(b))
	}
	return 1 - embedding.Cosine(a, b)
}

// dbscan returns clusters as index lists into points, in discovery order.
// Points that are noise come back as singletons.
func (d *Deduplicator) dbscan(points [][]float32) [][]int {
	const unvisited = -1
	n := len(points)
	label := make([]int, n)
	for i := range label {
		label[i] = unvisited
	}

	neighbours := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j == i || d.distance(points[i], points[j]) <= d.eps+1e-9 {
				out = append(out, j)
			}
		}
		return out
	}

	var clusters [][]int
	for i := 0; i < n; i++ {
		if label[i] != unvisited {
			continue
		}
		seeds := neighbours(i)
		if len(seeds) < d.minPoints {
			continue
		}
		id := len(clusters)
		label[i] = id
		members := []int{i}
		for q := 0; q < len(seeds); q++ {
			j := seeds[q]
			if label[j] != unvisited {
				continue
			}
			label[j] = id
			members = append(members, j)
			if next := neighbours(j); len(next) >= d.minPoints {
				seeds = append(seeds, next...)
			}
		}
		sort.Ints(members)
		clusters = append(clusters, members)
	}

	for i := 0; i < n; i++ {
		if label[i] == unvisited {
			clusters = append(clusters, []int{i})
		}
	}
	return clusters
}

// merge builds the cluster for members of group g. The representative is
// the member with the highest raw confidence, first in stable order on ties.
func merge(g []model.ThreatCandidate, members []int) model.ThreatCluster {
	best := members[0]
	refs := make([]string, 0, len(members))
	var references, cves [][]string
	for _, i := range members {
		if g[i].RawConfidence > g[best].RawConfidence {
			best = i
		}
		refs = append(refs, g[i].ID)
		references = append(references, g[i].References)
		cves = append(cves, g[i].CVEs)
	}

	rep := g[best]
	if len(members) > 1 {
		rep.References = model.UnionStrings(references...)
		rep.CVEs = model.UnionStrings(cves...)
	}
	return model.ThreatCluster{MemberRefs: refs, Representative: rep}
}

func unit(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
