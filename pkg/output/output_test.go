package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/metrics"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/severity"
)

func threat(id, component string, cat model.StrideCategory, risk severity.Level) model.EnrichedThreat {
	return model.EnrichedThreat{
		ID:             id,
		ComponentRef:   component,
		StrideCategory: cat,
		Description:    "A sufficiently long description",
		Impact:         severity.Medium,
		Likelihood:     severity.Medium,
		Exploitability: severity.Low,
		Maturity:       model.MaturityTheoretical,
		RiskScore:      risk,
		ResidualRisk:   risk,
		Justification:  "because",
		RiskStatement:  "statement",
		References:     []string{},
		MergedFrom:     []string{id},
		Confidence:     0.5,
	}
}

func ids(threats []model.EnrichedThreat) []string {
	out := make([]string, len(threats))
	for i, t := range threats {
		out[i] = t.ID
	}
	return out
}

func TestSort_ByRisk(t *testing.T) {
	threats := []model.EnrichedThreat{
		threat("m", "api", model.Spoofing, severity.Medium),
		threat("c", "api", model.Spoofing, severity.Critical),
		threat("l", "api", model.Spoofing, severity.Low),
	}
	Sort(threats)
	assert.Equal(t, []string{"c", "m", "l"}, ids(threats))
}

func TestSort_Ties(t *testing.T) {
	threats := []model.EnrichedThreat{
		threat("4", "web", model.Spoofing, severity.High),
		threat("3", "api", model.ElevationOfPrivilege, severity.High),
		threat("2", "api", model.Spoofing, severity.High),
		threat("1", "api", model.Spoofing, severity.High),
	}
	Sort(threats)
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(threats))
}

func TestValidate(t *testing.T) {
	a := NewAssembler(Config{})
	require.NoError(t, a.Validate(threat("ok", "api", model.Tampering, severity.High)))

	tests := []struct {
		name   string
		mutate func(*model.EnrichedThreat)
		field  string
	}{
		{"missing id", func(t *model.EnrichedThreat) { t.ID = "" }, "ID"},
		{"bad category", func(t *model.EnrichedThreat) { t.StrideCategory = "Phishing" }, "StrideCategory"},
		{"missing description", func(t *model.EnrichedThreat) { t.Description = "" }, "Description"},
		{"critical likelihood", func(t *model.EnrichedThreat) { t.Likelihood = severity.Critical }, "Likelihood"},
		{"unknown risk", func(t *model.EnrichedThreat) { t.RiskScore = severity.Unknown }, "RiskScore"},
		{"no members", func(t *model.EnrichedThreat) { t.MergedFrom = nil }, "MergedFrom"},
		{"confidence range", func(t *model.EnrichedThreat) { t.Confidence = 1.5 }, "Confidence"},
		{"empty justification", func(t *model.EnrichedThreat) { t.Justification = "" }, "Justification"},
	}
	short := threat("terse", "api", model.Tampering, severity.High)
	short.Description = "XSS"
	assert.NoError(t, a.Validate(short), "imported threats may carry terse descriptions")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := threat("x", "api", model.Tampering, severity.High)
			tt.mutate(&th)
			err := a.Validate(th)
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestAssemble(t *testing.T) {
	collector := metrics.NewInMemoryCollector()
	a := NewAssembler(Config{Metrics: collector})
	stats := model.NewRunStatistics("run-1", time.Now())

	bad := threat("bad", "api", model.Spoofing, severity.Critical)
	bad.Description = ""
	catalog, summary := a.Assemble([]model.EnrichedThreat{
		threat("m", "api", model.Spoofing, severity.Medium),
		bad,
		threat("c", "api", model.Spoofing, severity.Critical),
		threat("l", "api", model.Spoofing, severity.Low),
	}, stats)

	assert.Equal(t, []string{"c", "m", "l"}, ids(catalog))
	assert.Equal(t, 3, summary.Final)
	assert.Equal(t, 1, summary.Risk.Critical)
	assert.Equal(t, 1, summary.Errors["validation"])
	require.Len(t, summary.Drops, 1)
	assert.Equal(t, "bad", summary.Drops[0].Ref)
	assert.Equal(t, model.StageValidation, summary.Drops[0].Stage)
	assert.Equal(t, 1.0, collector.GetCounter(metrics.ValidationFailuresTotal.Name))
	assert.Equal(t, 1.0, collector.GetCounter(metrics.FinalThreatsTotal.Name, "risk", "critical"))
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	stats := model.NewRunStatistics("run-2", time.Now())
	catalog, summary := NewAssembler(Config{}).Assemble([]model.EnrichedThreat{
		threat("a", "api", model.Spoofing, severity.High),
	}, stats)

	require.NoError(t, Write(dir, catalog, summary))

	var gotCatalog []map[string]any
	data, err := os.ReadFile(filepath.Join(dir, CatalogFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &gotCatalog))
	require.Len(t, gotCatalog, 1)
	assert.Equal(t, "high", gotCatalog[0]["risk_score"])
	assert.Equal(t, "Spoofing", gotCatalog[0]["stride_category"])

	var gotSummary model.Summary
	data, err = os.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &gotSummary))
	assert.Equal(t, "run-2", gotSummary.RunID)
	assert.Equal(t, 1, gotSummary.Final)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestWrite_EmptyCatalogIsArray(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, nil, model.Summary{RunID: "r"}))
	data, err := os.ReadFile(filepath.Join(dir, CatalogFile))
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}
