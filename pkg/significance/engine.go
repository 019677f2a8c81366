// Package significance implements the voxel-wise significance test for the
// sum of two Cox regression coefficients. Given maps of the two coefficients,
// their variances, and their covariance, it produces a map of two-sided
// p-values by forming the t statistic of the combined coefficient at each
// voxel and evaluating it against a Student's t distribution.
//
// The method follows the textbook derivation of the variance of a sum of two
// correlated estimators: Var(bA+bB) = Var(bA) + Var(bB) + 2*Cov(bA,bB).
package significance

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"coxpmap/internal/models"
)

// ShapeMismatchError indicates that one of the five input maps does not
// share the shape of the first coefficient map. The engine produces no
// output when this happens; voxel indices would not correspond to the same
// anatomical location across maps.
type ShapeMismatchError struct {
	// Input names the offending map (e.g. "var_b")
	Input string

	// Want is the expected shape, taken from the first coefficient map
	Want []int

	// Got is the shape of the offending map
	Got []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("input %s has shape %v, want %v to match beta_a", e.Input, e.Got, e.Want)
}

// Params holds the engine configuration.
type Params struct {
	// DegreesOfFreedom parameterizes the Student's t reference
	// distribution. For a Cox model this is
	// n_observations - n_predictors - 1 and must be positive.
	DegreesOfFreedom int

	// NumCores specifies how many voxel chunks to process in parallel.
	// Values below 1 fall back to runtime.NumCPU(). The output is
	// identical regardless of this setting.
	NumCores int
}

// Result holds the output of a single engine run.
type Result struct {
	// PValues is the two-sided p-value map. Degenerate voxels (see Mask)
	// are forced to exactly 0 and must not be read as highly significant;
	// callers are expected to apply their own anatomical mask.
	PValues *models.Volume

	// Mask marks each voxel 1 where the statistic was valid and 0 where
	// the combined variance was non-positive or an input was not finite.
	Mask *models.Volume

	// ZeroedVoxels counts the voxels forced to 0 in PValues. In a
	// well-formed analysis these all fall outside the anatomy of
	// interest; a large count inside the brain indicates bad inputs.
	ZeroedVoxels int
}

// Engine computes combined-coefficient p-value maps. It is stateless apart
// from its parameters and safe to reuse across runs.
type Engine struct {
	params *Params
}

// NewEngine creates an engine with the provided parameters.
func NewEngine(params *Params) *Engine {
	return &Engine{params: params}
}

// Compute produces the two-sided p-value map for the sum of the two
// coefficient maps. All five inputs must share the shape of betaA; a
// mismatch is returned as *ShapeMismatchError and no output is produced.
//
// At each voxel the combined variance var_a + var_b + 2*cov_ab is formed.
// Where it is not strictly positive the model could not have been estimated
// there (typically outside valid tissue) and the voxel is zeroed in the
// output rather than divided by a vanishing standard error, which would
// fabricate an enormous t statistic. Everywhere else
// p = 2 * (1 - T_cdf(|beta_sum| / sqrt(var_sum), df)). Any non-finite
// input propagates to a zeroed voxel the same way. Both policies are
// recorded in the result's Mask and ZeroedVoxels.
func (e *Engine) Compute(betaA, betaB, varA, varB, covAB *models.Volume) (*Result, error) {
	if e.params.DegreesOfFreedom <= 0 {
		return nil, fmt.Errorf("degrees of freedom must be positive, got %d", e.params.DegreesOfFreedom)
	}

	inputs := []struct {
		name string
		vol  *models.Volume
	}{
		{"beta_b", betaB},
		{"var_a", varA},
		{"var_b", varB},
		{"cov_ab", covAB},
	}
	for _, in := range inputs {
		if !betaA.SameShape(in.vol) {
			return nil, &ShapeMismatchError{Input: in.name, Want: betaA.Shape, Got: in.vol.Shape}
		}
	}

	n := betaA.NumVoxels()
	pValues := models.NewVolume(betaA.Shape)
	mask := models.NewVolume(betaA.Shape)

	numCores := e.params.NumCores
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}
	if numCores > n && n > 0 {
		numCores = n
	}

	// The t distribution is immutable; one instance serves all workers.
	tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(e.params.DegreesOfFreedom)}

	// Each worker owns a contiguous index range, so no synchronization is
	// needed beyond waiting for completion.
	chunkSize := (n + numCores - 1) / numCores
	zeroed := make([]int, numCores)

	var g errgroup.Group
	g.SetLimit(numCores)
	for c := 0; c < numCores; c++ {
		start := c * chunkSize
		end := start + chunkSize
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		chunk := c
		g.Go(func() error {
			zeroed[chunk] = computeChunk(tDist, betaA, betaB, varA, varB, covAB, pValues, mask, start, end)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{PValues: pValues, Mask: mask}
	for _, z := range zeroed {
		result.ZeroedVoxels += z
	}
	return result, nil
}

// computeChunk applies the per-voxel transform over [start, end) and returns
// the number of voxels it zeroed.
func computeChunk(tDist distuv.StudentsT, betaA, betaB, varA, varB, covAB, pValues, mask *models.Volume, start, end int) int {
	zeroed := 0
	for i := start; i < end; i++ {
		// Variance of the sum of two correlated estimators. The
		// negated comparison also catches NaN variance inputs.
		varSum := varA.Data[i] + varB.Data[i] + 2*covAB.Data[i]
		if !(varSum > 0) {
			zeroed++
			continue
		}

		tStat := (betaA.Data[i] + betaB.Data[i]) / math.Sqrt(varSum)
		p := 2 * (1 - tDist.CDF(math.Abs(tStat)))
		if math.IsNaN(p) {
			zeroed++
			continue
		}

		pValues.Data[i] = p
		mask.Data[i] = 1
	}
	return zeroed
}
