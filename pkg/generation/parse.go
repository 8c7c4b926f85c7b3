package generation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/exploopio/threatrefine/pkg/errors"
	"github.com/exploopio/threatrefine/pkg/model"
)

// DefaultConfidence is used when the backend omits a confidence.
const DefaultConfidence = 0.5

type rawThreat struct {
	Component      string   `json:"component"`
	StrideCategory string   `json:"stride_category"`
	Description    string   `json:"description"`
	Confidence     *float64 `json:"confidence"`
	References     []string `json:"references"`
	CVEs           []string `json:"cves"`
}

// Parse turns backend output into candidates for the unit. The content
// must be a JSON object with a "threats" array or a bare array, optionally
// wrapped in a markdown code fence. Entries without a description are
// skipped; entries naming another STRIDE category are kept under the
// unit's category.
func Parse(content string, u Unit, callID string) ([]model.ThreatCandidate, error) {
	raw, err := decode(content)
	if err != nil {
		return nil, errors.E(errors.KindParse, "generation.Parse", fmt.Sprintf("unit %s", u.Ref()), err)
	}

	out := make([]model.ThreatCandidate, 0, len(raw))
	for _, r := range raw {
		desc := strings.TrimSpace(r.Description)
		if desc == "" {
			continue
		}
		name := strings.TrimSpace(r.Component)
		if name == "" {
			name = u.Component.DisplayName()
		}
		confidence := DefaultConfidence
		if r.Confidence != nil {
			confidence = min(max(*r.Confidence, 0), 1)
		}
		out = append(out, model.ThreatCandidate{
			ID:             uuid.NewString(),
			ComponentRef:   u.Component.ID,
			ComponentName:  name,
			StrideCategory: u.Category,
			Description:    desc,
			Source:         model.CandidateSource{ModelCallID: callID, Origin: model.OriginGeneration},
			RawConfidence:  confidence,
			References:     r.References,
			CVEs:           model.ExtractCVEs(append([]string{desc, strings.Join(r.CVEs, " ")}, r.References...)...),
		})
	}
	return out, nil
}

func decode(content string) ([]rawThreat, error) {
	data := bytes.TrimSpace([]byte(stripFence(content)))
	if len(data) == 0 {
		return nil, errors.ErrEmptyResponse
	}
	if data[0] == '[' {
		var list []rawThreat
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var obj struct {
		Threats *[]rawThreat `json:"threats"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj.Threats == nil {
		return nil, fmt.Errorf("response has no threats array")
	}
	return *obj.Threats, nil
}

// stripFence removes a surrounding ```json ... ``` block.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
