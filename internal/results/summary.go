package results

import (
	"github.com/montanaflynn/stats"
)

// Summary describes the score distribution of a set of results.
type Summary struct {
	Count  int     `json:"count"`
	Best   float64 `json:"best"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Worst  float64 `json:"worst"`
}

// Summarize returns the score summary of records. Fields that need more
// results than are available are left zero.
func Summarize(records []Record) Summary {
	scores := make(stats.Float64Data, len(records))
	for i, r := range records {
		scores[i] = r.Score
	}
	s := Summary{Count: len(scores)}
	if len(scores) == 0 {
		return s
	}
	set := func(dst *float64, f func(stats.Float64Data) (float64, error)) {
		if v, err := f(scores); err == nil {
			*dst = v
		}
	}
	set(&s.Best, stats.Min)
	set(&s.Worst, stats.Max)
	set(&s.Median, stats.Median)
	set(&s.Mean, stats.Mean)
	set(&s.P90, func(d stats.Float64Data) (float64, error) { return stats.Percentile(d, 90) })
	if len(scores) > 1 {
		set(&s.Std, stats.StandardDeviationSample)
	}
	return s
}
