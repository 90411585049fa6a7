package attention

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGradeForScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score     int
		wantGrade string
		wantLabel string
	}{
		{100, "A", "Excellent"},
		{90, "A", "Excellent"},
		{89, "B", "Good"},
		{80, "B", "Good"},
		{79, "C", "Average"},
		{70, "C", "Average"},
		{69, "D", "Below Average"},
		{60, "D", "Below Average"},
		{59, "E", "Poor"},
		{50, "E", "Poor"},
		{49, "F", "Very Poor"},
		{0, "F", "Very Poor"},
	}

	for _, tc := range tests {
		g := GradeForScore(tc.score)
		assert.Equal(t, tc.wantGrade, g.Grade, "score %d", tc.score)
		assert.Equal(t, tc.wantLabel, g.Label, "score %d", tc.score)
	}
}

func TestGradeColorsAreStable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "#4CAF50", GradeForScore(95).Color)
	assert.Equal(t, "#F44336", GradeForScore(10).Color)
}
