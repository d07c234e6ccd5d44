package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rba-core/internal/features"
)

func TestUnavailableScorerFallsBackToMean(t *testing.T) {
	s := Unavailable()
	v := features.Vector{Browser: 1, OS: 0, Device: 0, TimeOfHour: 0, DailyCount: 0, TimeBetween: 0, Failed: 0, Geo: 1}
	assert.InDelta(t, 0.25, s.Score(v), 1e-9)
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/artifact.json")
	assert.Error(t, err)
}

func TestAveragePathLengthCorrectionKnownValues(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLengthCorrection(1))
	assert.Equal(t, 0.0, averagePathLengthCorrection(0))
	assert.Greater(t, averagePathLengthCorrection(100), averagePathLengthCorrection(10))
}

func TestScoreDeterministicForFixedTree(t *testing.T) {
	leaf := &node{Leaf: true, Size: 1}
	split := &node{Feature: 0, Value: 0.5, Left: leaf, Right: leaf}
	artifact := &Artifact{
		Features: features.Order,
		ScoreMin: -5,
		ScoreMax: 0,
		Forest:   []*node{split},
	}
	perm, err := buildPermutation(artifact.Features)
	require.NoError(t, err)
	s := &Scorer{artifact: artifact, perm: perm}

	v := features.Vector{Browser: 0.9}
	score1 := s.Score(v)
	score2 := s.Score(v)
	assert.Equal(t, score1, score2)
	assert.GreaterOrEqual(t, score1, 0.0)
	assert.LessOrEqual(t, score1, 1.0)
}

func TestBuildPermutationRejectsUnknownFeature(t *testing.T) {
	_, err := buildPermutation([]string{"not-a-real-feature"})
	assert.Error(t, err)
}
