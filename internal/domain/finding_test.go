package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]Severity{
		"BLOCKER":  SeverityBlocker,
		"critical": SeverityCritical,
		"Major":    SeverityMajor,
		"minor":    SeverityMinor,
		"info":     SeverityInfo,
		"HIGH":     SeverityCritical,
		"medium":   SeverityMajor,
		"low":      SeverityMinor,
		"":         SeverityInfo,
		"bogus":    SeverityInfo,
		" MAJOR ":  SeverityMajor,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeSeverity(raw), "raw %q", raw)
	}
}

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{SeverityInfo, SeverityMinor, SeverityMajor, SeverityCritical, SeverityBlocker}
	for i := 1; i < len(ordered); i++ {
		assert.True(t, ordered[i].AtLeast(ordered[i-1]))
		assert.False(t, ordered[i-1].AtLeast(ordered[i]))
	}
}

func TestNormalizeKind(t *testing.T) {
	assert.Equal(t, KindVulnerability, NormalizeKind("VULNERABILITY"))
	assert.Equal(t, KindVulnerability, NormalizeKind("security_hotspot"))
	assert.Equal(t, KindBug, NormalizeKind("bug"))
	assert.Equal(t, KindCodeSmell, NormalizeKind("CODE_SMELL"))
	assert.Equal(t, KindCodeSmell, NormalizeKind("whatever"))
}

func TestClassify(t *testing.T) {
	se := NewStageError(ErrKindAPI, "connect refused to %s", "scan-worker")
	assert.Same(t, se, Classify(se))
	assert.Equal(t, "ApiError: connect refused to scan-worker", se.Error())

	other := Classify(assert.AnError)
	assert.Equal(t, ErrKindInternal, other.Kind)
}
