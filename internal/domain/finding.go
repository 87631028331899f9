package domain

import "strings"

// Severity is the ordered severity scale for findings.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
	SeverityBlocker  Severity = "BLOCKER"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityMinor:    1,
	SeverityMajor:    2,
	SeverityCritical: 3,
	SeverityBlocker:  4,
}

// Rank returns the position of s on the ordered scale, 0 for unknown values.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// NormalizeSeverity maps a raw engine severity string onto the scale.
// Engines using LOW/MEDIUM/HIGH vocabularies are folded into the
// nearest level; anything unrecognized becomes INFO.
func NormalizeSeverity(raw string) Severity {
	switch s := Severity(strings.ToUpper(strings.TrimSpace(raw))); s {
	case SeverityInfo, SeverityMinor, SeverityMajor, SeverityCritical, SeverityBlocker:
		return s
	case "LOW":
		return SeverityMinor
	case "MEDIUM":
		return SeverityMajor
	case "HIGH":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// FindingKind categorizes what a finding is about.
type FindingKind string

const (
	KindVulnerability FindingKind = "VULNERABILITY"
	KindBug           FindingKind = "BUG"
	KindCodeSmell     FindingKind = "CODE_SMELL"
)

// NormalizeKind maps a raw engine issue type onto FindingKind. Security
// hotspots count as vulnerabilities; anything unrecognized is treated
// as a code smell.
func NormalizeKind(raw string) FindingKind {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "VULNERABILITY", "SECURITY_HOTSPOT", "SECURITY":
		return KindVulnerability
	case "BUG":
		return KindBug
	default:
		return KindCodeSmell
	}
}

// Finding is one static-analysis result. Findings are immutable once
// attached to a job.
type Finding struct {
	Key       string      `json:"key"`
	Rule      string      `json:"rule"`
	Severity  Severity    `json:"severity"`
	Component string      `json:"component"`
	Line      int         `json:"line,omitempty"` // 1-based; 0 for file-level findings
	Message   string      `json:"message"`
	Kind      FindingKind `json:"kind"`
}
