package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/severity"
)

// DefaultClassName is the Weaviate class holding prior threats.
const DefaultClassName = "ThreatRecord"

// recordNamespace derives object UUIDs from record fingerprints.
var recordNamespace = uuid.MustParse("6f1c1a52-4c1e-4d8e-9f0b-2b7d5c3e8a41")

// WeaviateConfig configures the Weaviate history index.
type WeaviateConfig struct {
	// URL of the Weaviate server (e.g., "http://localhost:8080")
	URL string

	// ClassName overrides DefaultClassName.
	ClassName string

	// Embedder embeds queries and stored threats. Required.
	Embedder core.Embedder

	Logger core.Logger
}

// WeaviateIndex stores prior threats as vectors in Weaviate and queries
// them with nearVector restricted to the STRIDE category.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
	embedder  core.Embedder
	logger    core.Logger
}

// NewWeaviateIndex connects to Weaviate and ensures the class exists.
func NewWeaviateIndex(ctx context.Context, cfg WeaviateConfig) (*WeaviateIndex, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("history: embedder is required")
	}
	if cfg.ClassName == "" {
		cfg.ClassName = DefaultClassName
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("history: invalid weaviate url %q", cfg.URL)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: u.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	w := &WeaviateIndex{
		client:    client,
		className: cfg.ClassName,
		embedder:  cfg.Embedder,
		logger:    core.OrNop(cfg.Logger),
	}
	if err := w.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WeaviateIndex) schema() *models.Class {
	filterable := true
	return &models.Class{
		Class:       w.className,
		Description: "Threats emitted by earlier refinement runs",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "record_id", DataType: []string{"text"}, IndexFilterable: &filterable},
			{Name: "component_ref", DataType: []string{"text"}, IndexFilterable: &filterable},
			{Name: "component_name", DataType: []string{"text"}},
			{Name: "stride_category", DataType: []string{"text"}, IndexFilterable: &filterable},
			{Name: "description", DataType: []string{"text"}},
			{Name: "risk_score", DataType: []string{"text"}},
			{Name: "embedder", DataType: []string{"text"}, IndexFilterable: &filterable},
		},
	}
}

func (w *WeaviateIndex) ensureSchema(ctx context.Context) error {
	// The getter fails when the class does not exist yet.
	if _, err := w.client.Schema().ClassGetter().WithClassName(w.className).Do(ctx); err == nil {
		return nil
	}
	if err := w.client.Schema().ClassCreator().WithClass(w.schema()).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class %s: %w", w.className, err)
	}
	w.logger.Info("[history] created weaviate class %s", w.className)
	return nil
}

// Index embeds the threats and imports them in one batch.
func (w *WeaviateIndex) Index(ctx context.Context, threats []model.EnrichedThreat) error {
	if len(threats) == 0 {
		return nil
	}

	texts := make([]string, len(threats))
	for i, t := range threats {
		texts[i] = DocumentText(t)
	}
	vectors, err := w.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed threats: %w", err)
	}

	objects := make([]*models.Object, len(threats))
	for i, t := range threats {
		id := RecordID(t)
		objects[i] = &models.Object{
			Class:  w.className,
			ID:     strfmt.UUID(uuid.NewSHA1(recordNamespace, []byte(id)).String()),
			Vector: vectors[i],
			Properties: map[string]interface{}{
				"record_id":       id,
				"component_ref":   t.ComponentRef,
				"component_name":  t.ComponentName,
				"stride_category": string(t.StrideCategory),
				"description":     t.Description,
				"risk_score":      string(t.RiskScore),
				"embedder":        w.embedder.Name(),
			},
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("save threats to weaviate: %w", err)
	}

	var failed []string
	for _, item := range resp {
		if item.Result == nil || item.Result.Errors == nil {
			continue
		}
		for _, e := range item.Result.Errors.Error {
			failed = append(failed, e.Message)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("weaviate batch: %d errors: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}

type queryResponse struct {
	Get map[string][]struct {
		RecordID      string `json:"record_id"`
		ComponentRef  string `json:"component_ref"`
		ComponentName string `json:"component_name"`
		Description   string `json:"description"`
		RiskScore     string `json:"risk_score"`
		Additional    struct {
			Distance float64 `json:"distance"`
		} `json:"_additional"`
	} `json:"Get"`
}

// Retrieve runs a nearVector search within the category.
func (w *WeaviateIndex) Retrieve(ctx context.Context, component model.DFDComponent, category model.StrideCategory, k int) ([]core.PriorThreat, error) {
	if k <= 0 {
		k = DefaultK
	}

	query, err := w.embedder.Embed(ctx, []string{QueryText(component, category)})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"stride_category"}).
				WithOperator(filters.Equal).
				WithValueString(string(category)),
			filters.Where().
				WithPath([]string{"embedder"}).
				WithOperator(filters.Equal).
				WithValueString(w.embedder.Name()),
		})

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(query[0])

	fields := []graphql.Field{
		{Name: "record_id"},
		{Name: "component_ref"},
		{Name: "component_name"},
		{Name: "description"},
		{Name: "risk_score"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search failed: %s", result.Errors[0].Message)
	}

	data, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	var parsed queryResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse weaviate response: %w", err)
	}

	hits := parsed.Get[w.className]
	results := make([]core.PriorThreat, 0, len(hits))
	for _, h := range hits {
		results = append(results, core.PriorThreat{
			ID:             h.RecordID,
			ComponentRef:   h.ComponentRef,
			ComponentName:  h.ComponentName,
			StrideCategory: category,
			Description:    h.Description,
			RiskScore:      severity.Level(h.RiskScore),
			Similarity:     1 - h.Additional.Distance,
		})
	}
	return rank(results, k), nil
}

// Close is a no-op; the Weaviate client holds no persistent connection.
func (w *WeaviateIndex) Close() error {
	return nil
}

var _ core.HistoryIndex = (*WeaviateIndex)(nil)
