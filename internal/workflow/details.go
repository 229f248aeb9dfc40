package workflow

import "github.com/example/medscan/internal/prediction"

const defaultSeverity = "Moderate"

var defaultRecommendations = []string{
	"Consider follow-up examination",
	"Monitor symptoms regularly",
	"Consult with specialist for detailed analysis",
}

// withDefaultDetails returns a copy of r whose detail block is filled in
// when the service sent none. Details sent by the service are kept as is.
func withDefaultDetails(r *prediction.Result) *prediction.Result {
	out := *r
	if out.Details != nil {
		d := *out.Details
		d.Recommendations = append([]string(nil), d.Recommendations...)
		out.Details = &d
		return &out
	}
	out.Details = &prediction.Details{
		Severity:        defaultSeverity,
		Recommendations: append([]string(nil), defaultRecommendations...),
	}
	return &out
}
