// Package policy turns a model probability vector into a diagnosis, rejecting
// inputs that look like they fall outside the agarwood leaf domain.
package policy

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/agarvision/leaf-disease-service/models"
)

const (
	// MinTopProbability and MinConfidenceGap were tuned by hand on agarwood
	// leaves versus other species. Keep them as is until recalibrated.
	MinTopProbability = 0.65
	MinConfidenceGap  = 0.30

	// OutOfDomainLabel is never part of the model output space.
	OutOfDomainLabel = "Not an Agarwood Leaf"
)

// OutOfDomainRemedies is returned instead of a remedy lookup for rejected inputs.
var OutOfDomainRemedies = []string{
	"The uploaded leaf does not belong to the agarwood domain",
	"This model is trained only on agarwood leaf diseases",
	"Please upload a clear agarwood leaf image",
}

var (
	ErrClassCountMismatch = errors.New("class count mismatch")
	ErrTooFewClasses      = errors.New("at least two classes are required")
	ErrNonFinite          = errors.New("probability is not a finite number")
)

// Lookup resolves a disease label to its remedies.
type Lookup interface {
	Lookup(label string) ([]string, error)
}

// Decide applies the top-1/top-2 rejection rule to probs, whose order must
// match labels.
func Decide(probs []float64, labels []string, remedies Lookup) (*models.ClassificationResult, error) {
	if len(probs) != len(labels) {
		return nil, fmt.Errorf("%w: model outputs %d classes but %d labels are configured",
			ErrClassCountMismatch, len(probs), len(labels))
	}
	if len(labels) < 2 {
		return nil, ErrTooFewClasses
	}
	for i, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("%w: %q is %v", ErrNonFinite, labels[i], p)
		}
	}

	top1, top2 := topTwo(probs)
	top1Prob := probs[top1]
	top2Prob := probs[top2]
	gap := top1Prob - top2Prob

	all := make(models.ProbabilityMap, len(labels))
	for i, label := range labels {
		all[i] = models.LabelProb{Label: label, Prob: Round4(probs[i])}
	}

	result := &models.ClassificationResult{
		Confidence:       Round4(top1Prob),
		AllProbabilities: all,
		Top2: models.Top2{
			Top1: models.LabelProb{Label: labels[top1], Prob: Round4(top1Prob)},
			Top2: models.LabelProb{Label: labels[top2], Prob: Round4(top2Prob)},
			Gap:  Round4(gap),
		},
	}

	if Rejected(top1Prob, gap) {
		result.PredictedDisease = OutOfDomainLabel
		result.Remedies = append([]string(nil), OutOfDomainRemedies...)
		return result, nil
	}

	result.PredictedDisease = labels[top1]
	var found []string
	if remedies != nil {
		var err error
		found, err = remedies.Lookup(labels[top1])
		if err != nil {
			return nil, fmt.Errorf("lookup remedies for %q: %w", labels[top1], err)
		}
	}
	if found == nil {
		found = []string{}
	}
	result.Remedies = found
	return result, nil
}

// Rejected reports whether a prediction must be treated as out of domain.
// Anything that does not clear both thresholds, NaN included, is rejected.
func Rejected(top1Prob, gap float64) bool {
	return !(top1Prob >= MinTopProbability && gap >= MinConfidenceGap)
}

// topTwo returns the indices of the highest and second highest values.
// Ties go to the lowest index. probs must have at least two elements.
func topTwo(probs []float64) (int, int) {
	top1 := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[top1] {
			top1 = i
		}
	}

	top2 := -1
	for i := range probs {
		if i == top1 {
			continue
		}
		if top2 == -1 || probs[i] > probs[top2] {
			top2 = i
		}
	}
	return top1, top2
}

// Round4 rounds v to four decimal places. Exact decimal ties go to the even
// digit, so 0.03125 becomes 0.0312.
func Round4(v float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 4, 64), 64)
	if err != nil {
		return v
	}
	return r
}
