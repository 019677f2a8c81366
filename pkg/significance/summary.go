package significance

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Summary holds descriptive statistics of a computed p-value map. It is
// reported after a run so degenerate regions and implausible significance
// patterns are visible without opening the output in a viewer.
type Summary struct {
	// TotalVoxels is the number of voxels in the volume
	TotalVoxels int

	// ValidVoxels is the number of voxels with a valid statistic
	ValidVoxels int

	// ZeroedVoxels is the number of voxels forced to 0 by the
	// degenerate-variance policy
	ZeroedVoxels int

	// MinP and MedianP summarize the p-values over valid voxels only
	MinP    float64
	MedianP float64

	// SignificantFraction is the fraction of valid voxels with
	// p below the configured significance level
	SignificantFraction float64
}

// Summarize computes descriptive statistics for a result at the given
// significance level. Zeroed voxels are excluded from the distributional
// figures so the forced zeros do not masquerade as significant findings.
func Summarize(res *Result, alpha float64) Summary {
	s := Summary{
		TotalVoxels:  res.PValues.NumVoxels(),
		ZeroedVoxels: res.ZeroedVoxels,
	}

	valid := make([]float64, 0, s.TotalVoxels-s.ZeroedVoxels)
	for i, p := range res.PValues.Data {
		if res.Mask.Data[i] == 1 {
			valid = append(valid, p)
		}
	}
	s.ValidVoxels = len(valid)
	if s.ValidVoxels == 0 {
		return s
	}

	sort.Float64s(valid)
	s.MinP = valid[0]
	s.MedianP = stat.Quantile(0.5, stat.Empirical, valid, nil)

	below := sort.SearchFloat64s(valid, alpha)
	s.SignificantFraction = float64(below) / float64(s.ValidVoxels)

	return s
}
