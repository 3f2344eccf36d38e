package fitting

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Scores summarises the scores of a run's repeats.
type Scores struct {
	N     int
	Best  float64
	Mean  float64
	Std   float64
	Worst float64
}

// Summarize returns the best, mean, sample standard deviation and worst of
// scores. Std is zero for fewer than two scores.
func Summarize(scores []float64) Scores {
	s := Scores{N: len(scores)}
	if s.N == 0 {
		return s
	}
	s.Best = floats.Min(scores)
	s.Worst = floats.Max(scores)
	if s.N == 1 {
		s.Mean = scores[0]
		return s
	}
	s.Mean, s.Std = stat.MeanStdDev(scores, nil)
	return s
}
