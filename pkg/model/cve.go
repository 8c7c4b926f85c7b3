package model

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var cvePattern = regexp.MustCompile(`(?i)\bCVE-(\d{4})-(\d{4,})\b`)

// ExtractCVEs returns the distinct CVE ids found in texts, upper-cased
// and sorted.
func ExtractCVEs(texts ...string) []string {
	seen := make(map[string]struct{})
	for _, t := range texts {
		for _, m := range cvePattern.FindAllString(t, -1) {
			seen[strings.ToUpper(m)] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CVEYear returns the year component of a CVE id, or 0 if id is malformed.
func CVEYear(id string) int {
	m := cvePattern.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	year, _ := strconv.Atoi(m[1])
	return year
}

// UnionStrings merges string lists, dropping empties and duplicates,
// and returns the result sorted.
func UnionStrings(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, s := range l {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
