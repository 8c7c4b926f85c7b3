package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/exploopio/threatrefine/pkg/audit"
	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/generation"
	"github.com/exploopio/threatrefine/pkg/model"
	"github.com/exploopio/threatrefine/pkg/shared/fingerprint"
)

// Inputs are the documents of one run.
type Inputs struct {
	DFD      *model.DFD
	Controls *model.ControlSet

	// Raw identified_threats.json; nil when absent
	Threats []byte
}

// LoadInputs reads the input files. controlsPath and threatsPath are
// optional. An unreadable or malformed document is a configuration error,
// since nothing useful can run without it.
func LoadInputs(dfdPath, controlsPath, threatsPath string) (*Inputs, error) {
	const op = "pipeline.LoadInputs"

	data, err := os.ReadFile(dfdPath)
	if err != nil {
		return nil, errors.E(errors.KindConfiguration, op, "read DFD", err)
	}
	dfd, err := model.ParseDFD(data)
	if err != nil {
		return nil, errors.E(errors.KindConfiguration, op, "parse "+dfdPath, err)
	}

	in := &Inputs{DFD: dfd, Controls: model.NewControlSet()}
	if controlsPath != "" {
		data, err := os.ReadFile(controlsPath)
		if err != nil {
			return nil, errors.E(errors.KindConfiguration, op, "read controls", err)
		}
		if in.Controls, err = model.ParseControlSet(data); err != nil {
			return nil, errors.E(errors.KindConfiguration, op, "parse "+controlsPath, err)
		}
	}
	if threatsPath != "" {
		if in.Threats, err = os.ReadFile(threatsPath); err != nil {
			return nil, errors.E(errors.KindConfiguration, op, "read threats", err)
		}
	}
	return in, nil
}

type importRow struct {
	Component      string   `json:"component"`
	StrideCategory string   `json:"stride_category"`
	Description    string   `json:"description"`
	Confidence     *float64 `json:"confidence"`
	References     []string `json:"references"`
	CVEs           []string `json:"cves"`
}

// ParseImported turns identified_threats.json into candidates. Rows without
// a component or description, or with an unknown STRIDE category, are
// dropped and recorded; only a document that is not a JSON array fails.
func ParseImported(data []byte, stats *model.RunStatistics, rec audit.Recorder) ([]model.ThreatCandidate, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errors.E(errors.KindConfiguration, "pipeline.ParseImported", "identified threats must be a JSON array", err)
	}
	rec = audit.OrNop(rec)

	drop := func(ref, reason string) {
		if stats != nil {
			stats.Drop(ref, model.StageImport, errors.KindValidation, reason)
		}
		rec.Log(audit.ImportRowDropped(ref, reason))
	}

	candidates := make([]model.ThreatCandidate, 0, len(rows))
	for i, raw := range rows {
		ref := fmt.Sprintf("identified_threats[%d]", i)

		var row importRow
		if err := json.Unmarshal(raw, &row); err != nil {
			drop(ref, "malformed row: "+err.Error())
			continue
		}
		desc := strings.TrimSpace(row.Description)
		component := strings.TrimSpace(row.Component)
		if desc == "" || component == "" {
			drop(ref, "component and description are required")
			continue
		}
		category, ok := model.ParseStrideCategory(row.StrideCategory)
		if !ok {
			drop(ref, fmt.Sprintf("unknown STRIDE category %q", row.StrideCategory))
			continue
		}

		confidence := generation.DefaultConfidence
		if row.Confidence != nil {
			confidence = max(0, min(*row.Confidence, 1))
		}
		fields := append([]string{desc, strings.Join(row.CVEs, " ")}, row.References...)
		candidates = append(candidates, model.ThreatCandidate{
			ID:             "imp-" + fingerprint.Short(fingerprint.GenerateImport(i, component, category.String(), desc)),
			ComponentName:  component,
			StrideCategory: category,
			Description:    desc,
			Source:         model.CandidateSource{Origin: model.OriginImport},
			RawConfidence:  confidence,
			References:     row.References,
			CVEs:           model.ExtractCVEs(fields...),
		})
	}
	if stats != nil {
		stats.AddCandidates(model.OriginImport, len(candidates))
	}
	return candidates, nil
}
