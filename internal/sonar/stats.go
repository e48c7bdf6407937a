package sonar

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary aggregates a batch of readings. Min, max and mean cover valid
// readings only; the counts expose how many samples were discarded as
// invalid. Everything here recomputes from the readings, so a Summary can
// always be rebuilt after the fact.
type Summary struct {
	Count   int     `json:"count"`
	Valid   int     `json:"valid"`
	Invalid int     `json:"invalid"`
	MinCM   float64 `json:"min_cm"`
	MaxCM   float64 `json:"max_cm"`
	MeanCM  float64 `json:"mean_cm"`
}

// Summarize computes a Summary over the given readings.
func Summarize(readings []Reading) Summary {
	s := Summary{Count: len(readings)}

	var distances []float64
	for _, r := range readings {
		if r.Valid {
			distances = append(distances, float64(r.DistanceCM))
		}
	}
	s.Valid = len(distances)
	s.Invalid = s.Count - s.Valid

	if len(distances) == 0 {
		return s
	}

	s.MinCM = floats.Min(distances)
	s.MaxCM = floats.Max(distances)
	s.MeanCM = stat.Mean(distances, nil)
	return s
}
