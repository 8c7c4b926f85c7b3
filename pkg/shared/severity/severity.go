// Package severity is the ordinal scale shared by impact, likelihood,
// exploitability, risk score and residual risk.
//
// The scale is closed: Low < Medium < High < Critical. Unknown marks an
// empty breakdown and never appears in an emitted threat; arithmetic on it
// treats it as Low.
package severity

import (
	"cmp"
	"slices"
)

type Level string

const (
	Critical Level = "critical"
	High     Level = "high"
	Medium   Level = "medium"
	Low      Level = "low"
	Unknown  Level = "unknown"
)

// scale lists the levels bottom-up; a level's index plus one is its Priority.
var scale = []Level{Low, Medium, High, Critical}

func (l Level) String() string {
	return string(l)
}

// Priority is 1 (Low) through 4 (Critical), and 0 off the scale.
func (l Level) Priority() int {
	return slices.Index(scale, l) + 1
}

func (l Level) IsValid() bool {
	return l.Priority() > 0
}

func (l Level) IsHigherThan(other Level) bool {
	return Compare(l, other) > 0
}

func (l Level) IsAtLeast(other Level) bool {
	return Compare(l, other) >= 0
}

// step moves n points along the scale, clamped at both ends.
func (l Level) step(n int) Level {
	i := max(l.Priority(), 1) - 1 + n
	return scale[min(max(i, 0), len(scale)-1)]
}

// Up raises the level by n steps, capped at Critical.
func (l Level) Up(n int) Level { return l.step(n) }

// Down lowers the level by n steps, with a floor at Low.
func (l Level) Down(n int) Level { return l.step(-n) }

// FromCVSS maps a CVSS v3 base score onto the scale using the NVD bands
// (9.0, 7.0 and 4.0 lower bounds).
func FromCVSS(score float64) Level {
	bounds := [...]float64{4.0, 7.0, 9.0}
	i, onBound := slices.BinarySearch(bounds[:], score)
	if onBound {
		i++
	}
	return scale[i]
}

// Compare orders levels by Priority: -1, 0 or +1.
func Compare(a, b Level) int {
	return cmp.Compare(a.Priority(), b.Priority())
}

func Max(a, b Level) Level {
	if Compare(a, b) > 0 {
		return a
	}
	return b
}

func Min(a, b Level) Level {
	if Compare(a, b) > 0 {
		return b
	}
	return a
}

// CountByLevel is the per-level breakdown in the run summary.
type CountByLevel struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

func (c *CountByLevel) slot(l Level) *int {
	switch l {
	case Critical:
		return &c.Critical
	case High:
		return &c.High
	case Medium:
		return &c.Medium
	case Low:
		return &c.Low
	}
	return nil
}

// Increment counts one record. Levels off the scale only count toward Total.
func (c *CountByLevel) Increment(l Level) {
	c.Total++
	if p := c.slot(l); p != nil {
		*p++
	}
}

// Highest returns the top level with a non-zero count, or Unknown.
func (c *CountByLevel) Highest() Level {
	for _, l := range slices.Backward(scale) {
		if *c.slot(l) > 0 {
			return l
		}
	}
	return Unknown
}
