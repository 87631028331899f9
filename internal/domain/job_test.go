package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStages = []Stage{
	StageQueued, StageContextBuilding, StageScanning, StageAIReviewing,
	StageFixGenerating, StageCompleted, StageFailed, StageCancelled,
}

func TestValidTransitionGraph(t *testing.T) {
	allowed := map[[2]Stage]bool{}
	for _, from := range []Stage{StageQueued, StageContextBuilding, StageScanning, StageAIReviewing, StageFixGenerating} {
		allowed[[2]Stage{from, NextStage(from)}] = true
		allowed[[2]Stage{from, StageFailed}] = true
		allowed[[2]Stage{from, StageCancelled}] = true
	}

	for _, from := range allStages {
		for _, to := range allStages {
			got := ValidTransition(from, to)
			assert.Equal(t, allowed[[2]Stage{from, to}], got, "transition %s -> %s", from, to)
		}
	}
}

func TestTerminalStagesRejectEverything(t *testing.T) {
	for _, from := range []Stage{StageCompleted, StageFailed, StageCancelled} {
		assert.True(t, from.Terminal())
		for _, to := range allStages {
			assert.False(t, ValidTransition(from, to), "terminal %s must not transition to %s", from, to)
		}
	}
}

func TestNextStageChainEndsAtCompleted(t *testing.T) {
	s := StageQueued
	var seen []Stage
	for s != "" {
		seen = append(seen, s)
		s = NextStage(s)
	}
	assert.Equal(t, []Stage{
		StageQueued, StageContextBuilding, StageScanning,
		StageAIReviewing, StageFixGenerating, StageCompleted,
	}, seen)
}
