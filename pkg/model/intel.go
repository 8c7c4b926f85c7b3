package model

import "time"

// Intel is what the vulnerability feeds know about one CVE. Each field
// group is independent: a failed feed leaves its group at the zero value
// and sets the matching *Known flag to false.
type Intel struct {
	CVE string `json:"cve"`

	// KEV catalog membership; ExploitationUnknown when the catalog was unavailable
	Exploitation  ExploitationStatus `json:"exploitation"`
	RansomwareUse bool               `json:"ransomware_use,omitempty"`
	KEVDateAdded  time.Time          `json:"kev_date_added,omitempty"`

	// Vulnerability database record
	Published     time.Time `json:"published,omitempty"`
	CVSS          float64   `json:"cvss,omitempty"`
	CVSSKnown     bool      `json:"cvss_known"`
	HasExploitRef bool      `json:"has_exploit_ref,omitempty"`

	// Exploit prediction score
	EPSS      float64 `json:"epss,omitempty"`
	EPSSKnown bool    `json:"epss_known"`
}

// InKEV reports whether the CVE is known to be exploited.
func (i Intel) InKEV() bool {
	return i.Exploitation == ExploitationKnown
}

// PublishedOrYear returns the publish date, falling back to January 1st of
// the year encoded in the CVE id. The second result is false when neither
// is available.
func (i Intel) PublishedOrYear() (time.Time, bool) {
	if !i.Published.IsZero() {
		return i.Published, true
	}
	if y := CVEYear(i.CVE); y > 0 {
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}
