// Package output sorts, validates and writes the final threat catalog and
// the run summary.
package output

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/exploopio/threatrefine/pkg/compress"
	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/metrics"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/severity"
)

// Output file names.
const (
	CatalogFile = "refined_threats.json"
	SummaryFile = "refinement_summary.json"
)

// Config configures the assembler.
type Config struct {
	Logger  core.Logger
	Metrics metrics.Collector
}

// Assembler orders and validates catalogs. It holds no per-run state.
type Assembler struct {
	validate *validator.Validate
	logger   core.Logger
	metrics  metrics.Collector
}

// NewAssembler creates an Assembler with the catalog validators registered.
func NewAssembler(cfg Config) *Assembler {
	v := validator.New()
	_ = v.RegisterValidation("stride", func(fl validator.FieldLevel) bool {
		return model.StrideCategory(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("level", func(fl validator.FieldLevel) bool {
		return severity.Level(fl.Field().String()).IsValid()
	})
	return &Assembler{
		validate: v,
		logger:   core.OrNop(cfg.Logger),
		metrics:  metrics.OrNop(cfg.Metrics),
	}
}

// Validate checks one record against the catalog schema.
func (a *Assembler) Validate(t model.EnrichedThreat) error {
	err := a.validate.Struct(t)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if stderrors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return errors.E(errors.KindValidation, "output.Validate", strings.Join(parts, "; "))
	}
	return errors.E(errors.KindValidation, "output.Validate", err)
}

// Assemble sorts the threats, drops records that fail validation and
// returns the catalog with the run summary. stats must not be nil; invalid
// records are counted in it and the final counts are set.
func (a *Assembler) Assemble(threats []model.EnrichedThreat, stats *model.RunStatistics) ([]model.EnrichedThreat, model.Summary) {
	sorted := append([]model.EnrichedThreat(nil), threats...)
	Sort(sorted)

	catalog := make([]model.EnrichedThreat, 0, len(sorted))
	for _, t := range sorted {
		if err := a.Validate(t); err != nil {
			a.logger.Warn("output: dropping %s: %v", t.ID, err)
			a.metrics.CounterInc(metrics.ValidationFailuresTotal.Name)
			stats.Drop(t.ID, model.StageValidation, errors.KindValidation, err.Error())
			continue
		}
		a.metrics.CounterInc(metrics.FinalThreatsTotal.Name, "risk", t.RiskScore.String())
		catalog = append(catalog, t)
	}
	stats.SetFinal(catalog)
	return catalog, stats.Snapshot()
}

// Sort orders threats by risk score descending, then component id, STRIDE
// order and id.
func Sort(threats []model.EnrichedThreat) {
	sort.SliceStable(threats, func(i, j int) bool {
		a, b := threats[i], threats[j]
		if c := severity.Compare(a.RiskScore, b.RiskScore); c != 0 {
			return c > 0
		}
		if a.ComponentRef != b.ComponentRef {
			return a.ComponentRef < b.ComponentRef
		}
		if a.StrideCategory.Order() != b.StrideCategory.Order() {
			return a.StrideCategory.Order() < b.StrideCategory.Order()
		}
		return a.ID < b.ID
	})
}

// Write emits the catalog and summary into dir. Each file is replaced
// atomically.
func Write(dir string, catalog []model.EnrichedThreat, summary model.Summary) error {
	if catalog == nil {
		catalog = []model.EnrichedThreat{}
	}
	if err := writeJSON(filepath.Join(dir, CatalogFile), catalog); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, SummaryFile), summary)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.E(errors.KindInternal, "output.Write", fmt.Sprintf("encode %s", filepath.Base(path)), err)
	}
	data = append(data, '\n')
	if err := compress.AtomicWrite(path, data); err != nil {
		return errors.E(errors.KindInternal, "output.Write", fmt.Sprintf("write %s", filepath.Base(path)), err)
	}
	return nil
}
