package domain

// ScoreResult is the relevance judgment for one abstract.
type ScoreResult struct {
	Score    int    `json:"relevance_score"`
	Reason   string `json:"reason"`
	Category string `json:"improvement_category"`
}

// Guarantee states whether a paper offers theoretical analysis.
type Guarantee struct {
	Present     bool   `json:"present"`
	Description string `json:"description"`
}

// Findings is the fixed deep-analysis schema. A record is either fully
// analyzed or not analyzed at all; partially filled findings are rejected
// at parse time.
type Findings struct {
	ProblemDefinition    string    `json:"problem_definition"`
	MathematicalModeling string    `json:"mathematical_modeling"`
	CoreInnovation       []string  `json:"core_innovation"`
	TheoreticalGuarantee Guarantee `json:"theoretical_guarantee"`
	ExperimentalDesign   string    `json:"experimental_design"`
	QuantitativeResults  string    `json:"quantitative_results"`
	Limitations          string    `json:"limitations"`
	InnovationIdeas      []string  `json:"innovation_ideas"`
	Category             string    `json:"improvement_category"`
}

// CategoryOther absorbs categories outside the known set.
const CategoryOther = "other"

// Categories enumerates the improvement-direction tags the oracle may assign.
var Categories = []string{
	"mathematical",
	"structural",
	"adaptive",
	"theoretical",
	"application",
	"efficiency",
	CategoryOther,
}

// NormalizeCategory maps unknown tags to CategoryOther.
func NormalizeCategory(category string) string {
	for _, known := range Categories {
		if category == known {
			return category
		}
	}
	return CategoryOther
}
