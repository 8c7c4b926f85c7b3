package risk

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/exploopio/threatrefine/pkg/model"
)

// profile is the regulatory framing of one industry.
type profile struct {
	Framework string
	// Control families cited per STRIDE category
	Requirements map[model.StrideCategory]string
}

var profiles = map[model.Industry]profile{
	model.IndustryGeneric: {
		Framework: "security best practice",
		Requirements: map[model.StrideCategory]string{
			model.Spoofing:              "OWASP ASVS V2 (authentication)",
			model.Tampering:             "OWASP ASVS V5 (validation and integrity)",
			model.Repudiation:           "OWASP ASVS V7 (logging)",
			model.InformationDisclosure: "OWASP ASVS V8 (data protection)",
			model.DenialOfService:       "OWASP ASVS V11 (business logic limits)",
			model.ElevationOfPrivilege:  "OWASP ASVS V4 (access control)",
		},
	},
	model.IndustryFinance: {
		Framework: "PCI-DSS",
		Requirements: map[model.StrideCategory]string{
			model.Spoofing:              "PCI-DSS Requirement 8 (identify and authenticate access)",
			model.Tampering:             "PCI-DSS Requirement 6 (secure systems and software)",
			model.Repudiation:           "PCI-DSS Requirement 10 (log and monitor access)",
			model.InformationDisclosure: "PCI-DSS Requirements 3 and 4 (protect cardholder data)",
			model.DenialOfService:       "PCI-DSS Requirement 12.10 (incident response)",
			model.ElevationOfPrivilege:  "PCI-DSS Requirement 7 (restrict access by need to know)",
		},
	},
	model.IndustryHealthcare: {
		Framework: "HIPAA",
		Requirements: map[model.StrideCategory]string{
			model.Spoofing:              "HIPAA §164.312(d) (person or entity authentication)",
			model.Tampering:             "HIPAA §164.312(c)(1) (integrity)",
			model.Repudiation:           "HIPAA §164.312(b) (audit controls)",
			model.InformationDisclosure: "HIPAA §164.312(a)(2)(iv) and (e)(1) (encryption and transmission security)",
			model.DenialOfService:       "HIPAA §164.308(a)(7) (contingency plan)",
			model.ElevationOfPrivilege:  "HIPAA §164.312(a)(1) (access control)",
		},
	},
	model.IndustryGovernment: {
		Framework: "NIST SP 800-53",
		Requirements: map[model.StrideCategory]string{
			model.Spoofing:              "NIST SP 800-53 IA-2 (identification and authentication)",
			model.Tampering:             "NIST SP 800-53 SI-7 (software and information integrity)",
			model.Repudiation:           "NIST SP 800-53 AU-10 (non-repudiation)",
			model.InformationDisclosure: "NIST SP 800-53 SC-8 and SC-28 (confidentiality)",
			model.DenialOfService:       "NIST SP 800-53 SC-5 (denial-of-service protection)",
			model.ElevationOfPrivilege:  "NIST SP 800-53 AC-6 (least privilege)",
		},
	},
}

// statementData is the template input.
type statementData struct {
	Component      string
	Category       model.StrideCategory
	Description    string
	Impact         string
	Likelihood     string
	Exploitability string
	Maturity       string
	Risk           string
	Residual       string
	Sensitivity    string
	Crosses        bool
	KEV            string
	CVEs           string
	Controls       string
	Framework      string
	Requirement    string
}

var funcs = template.FuncMap{
	"human": func(s string) string { return strings.ReplaceAll(s, "_", " ") },
}

var justificationTmpl = template.Must(template.New("justification").Funcs(funcs).Parse(
	`Rated {{.Risk}} risk ({{.Impact}} impact, {{.Likelihood}} likelihood). ` +
		`Exploitability is {{.Exploitability}}{{if .KEV}} because {{.KEV}} is listed as known exploited{{else if .CVEs}} based on {{.CVEs}}{{end}}; ` +
		`technique maturity is {{human .Maturity}}. ` +
		`{{.Component}} handles {{.Sensitivity}} data{{if .Crosses}} and is reachable across a trust boundary{{end}}. ` +
		`{{if .Controls}}Implemented controls ({{.Controls}}) reduce residual risk to {{.Residual}}.{{else}}No implemented control mitigates this {{.Category}} threat; residual risk stays {{.Residual}}.{{end}}`))

var statementTmpls = map[model.Industry]*template.Template{
	model.IndustryGeneric: template.Must(template.New("generic").Funcs(funcs).Parse(
		`A {{.Category}} threat against {{.Component}} could be realized: {{.Description}}. ` +
			`Under {{.Framework}} this maps to {{.Requirement}} and warrants {{.Risk}} priority.`)),
	model.IndustryFinance: template.Must(template.New("finance").Funcs(funcs).Parse(
		`{{.Category}} on {{.Component}} could expose payment processing or cardholder data: {{.Description}}. ` +
			`This is a {{.Framework}} compliance concern under {{.Requirement}} with {{.Risk}} risk to the cardholder data environment.`)),
	model.IndustryHealthcare: template.Must(template.New("healthcare").Funcs(funcs).Parse(
		`{{.Category}} on {{.Component}} could compromise electronic protected health information: {{.Description}}. ` +
			`This falls under {{.Framework}} {{.Requirement}} and carries {{.Risk}} risk of a reportable breach.`)),
	model.IndustryGovernment: template.Must(template.New("government").Funcs(funcs).Parse(
		`{{.Category}} on {{.Component}} could affect mission systems or federal information: {{.Description}}. ` +
			`Assess against {{.Requirement}}; {{.Framework}} control implementation should treat this as {{.Risk}} risk.`)),
}

// render executes a statement template. Execution errors cannot happen
// for these fixed templates with string data, so they fall back to the
// plain description.
func render(t *template.Template, data statementData) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return data.Description
	}
	return buf.String()
}

// profileFor returns the industry profile, generic for unknown values.
func profileFor(industry model.Industry) (model.Industry, profile) {
	if p, ok := profiles[industry]; ok {
		return industry, p
	}
	return model.IndustryGeneric, profiles[model.IndustryGeneric]
}

// lowerFirst turns a sentence into a clause for embedding in a template.
func lowerFirst(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), ".")
	if s == "" {
		return s
	}
	r := []rune(s)
	if len(r) > 1 && r[1] >= 'A' && r[1] <= 'Z' {
		// Keep acronyms such as "SQL".
		return s
	}
	r[0] = []rune(strings.ToLower(string(r[0])))[0]
	return string(r)
}
