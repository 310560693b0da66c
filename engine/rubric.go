package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Rubric is a weighted criteria set yielding a 0-100 pass/fail score for a
// node's output.
//
// Definitions are carried as JSON strings in the workflow and parsed once per
// evaluation:
//
//	{
//	  "pass_threshold": 70,
//	  "criteria": [
//	    {"name": "accuracy", "weight": 0.6},
//	    {"name": "clarity", "weight": 0.4}
//	  ]
//	}
//
// Criteria are optional; without them the self-reported overall score is used
// directly.
type Rubric struct {
	PassThreshold float64           `json:"pass_threshold"`
	Criteria      []RubricCriterion `json:"criteria,omitempty"`
}

// RubricCriterion is one weighted scoring dimension.
type RubricCriterion struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
}

// RubricEngine evaluates node outputs against rubric definitions.
//
// Scoring is self-reported: the agent includes a score in its JSON output (or
// result metadata), and the engine normalizes it to the 0-100 range. Fractions
// in (0, 1] are treated as percentages.
type RubricEngine struct{}

// NewRubricEngine creates a rubric engine.
func NewRubricEngine() *RubricEngine {
	return &RubricEngine{}
}

// ParseRubric parses a rubric definition string.
func ParseRubric(rubricID, definition string) (*Rubric, error) {
	var r Rubric
	if err := json.Unmarshal([]byte(definition), &r); err != nil {
		return nil, fmt.Errorf("rubric %s: %w", rubricID, err)
	}
	if r.PassThreshold <= 0 {
		return nil, fmt.Errorf("rubric %s: pass_threshold must be positive", rubricID)
	}
	return &r, nil
}

// Evaluate scores a node result against the rubric and returns the
// evaluation. An output with no extractable score fails with score 0.
func (re *RubricEngine) Evaluate(rubricID, nodeID, definition string, result NodeResult) (RubricEvaluation, error) {
	rubric, err := ParseRubric(rubricID, definition)
	if err != nil {
		return RubricEvaluation{}, err
	}
	score := re.score(rubric, result)
	return RubricEvaluation{
		RubricID:  rubricID,
		NodeID:    nodeID,
		Score:     score,
		Threshold: rubric.PassThreshold,
		Passed:    score >= rubric.PassThreshold,
		Timestamp: time.Now().UTC(),
	}, nil
}

// score extracts and normalizes the rubric score for a result.
//
// Preference order: per-criterion scores in the output JSON under "scores"
// (weighted mean), then an overall "score" key in the output JSON, then a
// "score" metadata entry.
func (re *RubricEngine) score(rubric *Rubric, result NodeResult) float64 {
	if body, ok := extractJSONObject(result.Output); ok {
		if raw, ok := body["scores"].(map[string]any); ok && len(rubric.Criteria) > 0 {
			if s, ok := weightedScore(rubric.Criteria, raw); ok {
				return s
			}
		}
		if s, ok := toFloat(body["score"]); ok {
			return normalizeScore(s)
		}
	}
	if s, ok := toFloat(result.Metadata["score"]); ok {
		return normalizeScore(s)
	}
	return 0
}

// weightedScore computes the weighted mean over the criteria present in the
// reported per-criterion scores.
func weightedScore(criteria []RubricCriterion, reported map[string]any) (float64, bool) {
	var sum, weightSum float64
	for _, c := range criteria {
		raw, ok := reported[c.Name]
		if !ok {
			continue
		}
		s, ok := toFloat(raw)
		if !ok {
			continue
		}
		weight := c.Weight
		if weight == 0 {
			weight = 1
		}
		sum += normalizeScore(s) * weight
		weightSum += weight
	}
	if weightSum == 0 {
		return 0, false
	}
	return sum / weightSum, true
}

// normalizeScore maps fractional self-reports onto the 0-100 scale and clamps
// the result.
func normalizeScore(s float64) float64 {
	if s > 0 && s <= 1 {
		s *= 100
	}
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
