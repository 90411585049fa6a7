package attention

import "github.com/focuscall/backend/internal/models"

// gradeBucket is one row of the score-to-grade table. Buckets must stay
// monotonic and cover [0,100].
type gradeBucket struct {
	min   int
	grade models.Grade
}

var gradeBuckets = []gradeBucket{
	{90, models.Grade{Grade: "A", Label: "Excellent", Color: "#4CAF50"}},
	{80, models.Grade{Grade: "B", Label: "Good", Color: "#8BC34A"}},
	{70, models.Grade{Grade: "C", Label: "Average", Color: "#FFC107"}},
	{60, models.Grade{Grade: "D", Label: "Below Average", Color: "#FF9800"}},
	{50, models.Grade{Grade: "E", Label: "Poor", Color: "#FF5722"}},
	{0, models.Grade{Grade: "F", Label: "Very Poor", Color: "#F44336"}},
}

// GradeForScore maps an engagement score to its ordinal bucket.
func GradeForScore(score int) models.Grade {
	for _, b := range gradeBuckets {
		if score >= b.min {
			return b.grade
		}
	}
	return gradeBuckets[len(gradeBuckets)-1].grade
}
