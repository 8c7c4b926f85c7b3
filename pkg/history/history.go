// Package history stores finished threat catalogs and retrieves the prior
// threats most similar to a (component, STRIDE category) pair, to ground
// generation prompts in earlier runs.
package history

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/fingerprint"
)

// DefaultK is the number of prior threats returned when k <= 0.
const DefaultK = 5

// QueryText is the text embedded to search for a pair.
func QueryText(component model.DFDComponent, category model.StrideCategory) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s %s threat", component.DisplayName(), component.Kind, category))
}

// DocumentText is the text embedded for a stored threat.
func DocumentText(t model.EnrichedThreat) string {
	return strings.TrimSpace(t.ComponentName + " " + string(t.StrideCategory) + " " + t.Description)
}

// RecordID is stable across runs so re-indexing a threat overwrites it.
func RecordID(t model.EnrichedThreat) string {
	return fingerprint.GenerateThreat(t.ComponentRef, string(t.StrideCategory), t.Description)
}

// rank sorts by similarity desc then id and keeps the top k.
func rank(results []core.PriorThreat, k int) []core.PriorThreat {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Nop is a HistoryIndex with no history.
type Nop struct{}

func (Nop) Retrieve(context.Context, model.DFDComponent, model.StrideCategory, int) ([]core.PriorThreat, error) {
	return nil, nil
}

func (Nop) Index(context.Context, []model.EnrichedThreat) error { return nil }

func (Nop) Close() error { return nil }

var _ core.HistoryIndex = Nop{}
