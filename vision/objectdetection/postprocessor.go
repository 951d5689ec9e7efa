package objectdetection

import "sort"

// Postprocessor defines a function that filters/modifies on an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewAreaFilter returns a function that filters out detections below a certain area.
func NewAreaFilter(area int) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.BoundingBox().Dx()*d.BoundingBox().Dy() >= area {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Score() >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewCountFilter returns a function that keeps only the n highest scoring detections.
func NewCountFilter(n int) Postprocessor {
	return func(in []Detection) []Detection {
		if len(in) <= n {
			return in
		}
		out := make([]Detection, len(in))
		copy(out, in)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Score() > out[j].Score()
		})
		return out[:n]
	}
}
