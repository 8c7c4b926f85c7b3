package generation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/exploopio/threatrefine/pkg/core"
	"github.com/exploopio/threatrefine/pkg/model"
)

const systemPrompt = `You are a senior security architect performing STRIDE threat modeling.
Respond with a single JSON object of the form
{"threats": [{"component": string, "stride_category": string, "description": string,
"confidence": number between 0 and 1, "references": [string], "cves": [string]}]}.
Only list threats in the requested STRIDE category for the requested component.
Return {"threats": []} when no credible threat exists. Do not add commentary.`

// Unit is one (component, STRIDE category) pair.
type Unit struct {
	Component model.DFDComponent
	Category  model.StrideCategory
}

// Ref identifies the unit in logs and the drop log ("api_gateway/S").
func (u Unit) Ref() string {
	return u.Component.ID + "/" + u.Category.Letter()
}

// BuildPrompt assembles the request for one unit from the DFD context,
// retrieved prior threats and web snippets. dfd may be nil.
func BuildPrompt(u Unit, dfd *model.DFD, prior []core.PriorThreat, snippets []core.Snippet) core.GenerationRequest {
	var b strings.Builder

	c := u.Component
	fmt.Fprintf(&b, "Component: %s (id %s, kind %s)\n", c.DisplayName(), c.ID, c.Kind)
	if c.TrustBoundary != "" {
		fmt.Fprintf(&b, "Trust boundary: %s\n", c.TrustBoundary)
	}
	if len(c.Attributes) > 0 {
		keys := make([]string, 0, len(c.Attributes))
		for k := range c.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Attributes:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, c.Attributes[k])
		}
	}
	if dfd != nil {
		if c.Kind == model.KindFlow {
			fmt.Fprintf(&b, "Flow: %s -> %s\n", endpoint(dfd, c.Source), endpoint(dfd, c.Target))
		}
		if flows := dfd.FlowsFor(c.ID); len(flows) > 0 {
			b.WriteString("Connected data flows:\n")
			for _, f := range flows {
				line := fmt.Sprintf("- %s: %s -> %s", f.DisplayName(), endpoint(dfd, f.Source), endpoint(dfd, f.Target))
				if p := f.Attr("protocol"); p != "" {
					line += " over " + p
				}
				b.WriteString(line + "\n")
			}
		}
		if dfd.CrossesBoundary(c) {
			b.WriteString("This element is reachable across a trust boundary.\n")
		}
	}

	fmt.Fprintf(&b, "\nSTRIDE category: %s\n", u.Category)

	if len(prior) > 0 {
		b.WriteString("\nThreats identified for similar components in earlier assessments:\n")
		for _, p := range prior {
			fmt.Fprintf(&b, "- [%s] %s\n", p.RiskScore, p.Description)
		}
	}
	if len(snippets) > 0 {
		b.WriteString("\nRecent public information:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "- %s (%s): %s\n", s.Title, s.URL, s.Content)
		}
	}

	fmt.Fprintf(&b, "\nList the %s threats that apply to %s.", u.Category, c.DisplayName())
	return core.GenerationRequest{System: systemPrompt, Prompt: b.String()}
}

func endpoint(dfd *model.DFD, id string) string {
	if c, ok := dfd.Component(id); ok {
		return c.DisplayName()
	}
	return id
}
