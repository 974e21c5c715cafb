package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LabelProb is one class label with its rounded probability.
type LabelProb struct {
	Label string  `json:"label"`
	Prob  float64 `json:"prob"`
}

// ProbabilityMap keeps the class order of the model output. It serializes as
// a JSON object whose keys appear in that order.
type ProbabilityMap []LabelProb

func (m ProbabilityMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, lp := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(lp.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(lp.Prob)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *ProbabilityMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("probability map: expected object, got %v", tok)
	}

	out := ProbabilityMap{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		label, _ := tok.(string)
		var prob float64
		if err := dec.Decode(&prob); err != nil {
			return fmt.Errorf("probability map: %s: %w", label, err)
		}
		out = append(out, LabelProb{Label: label, Prob: prob})
	}
	*m = out
	return nil
}

// Get returns the probability for label.
func (m ProbabilityMap) Get(label string) (float64, bool) {
	for _, lp := range m {
		if lp.Label == label {
			return lp.Prob, true
		}
	}
	return 0, false
}

type Top2 struct {
	Top1 LabelProb `json:"top1"`
	Top2 LabelProb `json:"top2"`
	Gap  float64   `json:"gap"`
}

type ClassificationResult struct {
	PredictedDisease string         `json:"predicted_disease"`
	Confidence       float64        `json:"confidence"`
	Remedies         []string       `json:"remedies"`
	AllProbabilities ProbabilityMap `json:"all_probabilities"`
	Top2             Top2           `json:"top2"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Decision    time.Duration
	Total       time.Duration
}
