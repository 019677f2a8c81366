package significance

import (
	"errors"
	"math"
	"testing"

	"coxpmap/internal/models"
)

// singleVoxel builds a 1-voxel volume holding the given value
func singleVoxel(value float64) *models.Volume {
	v := models.NewVolume([]int{1})
	v.Data[0] = value
	return v
}

// TestComputeKnownScenario verifies the pinned reference scenario:
// beta_a=0.5, beta_b=0.3, var_a=0.04, var_b=0.09, cov_ab=0.01, df=50.
// var_sum=0.15, se=0.38730, t=2.06559, two-sided p=0.0440694 against a
// reference Student's-t CDF (regularized incomplete beta).
func TestComputeKnownScenario(t *testing.T) {
	engine := NewEngine(&Params{DegreesOfFreedom: 50, NumCores: 1})

	result, err := engine.Compute(
		singleVoxel(0.5), singleVoxel(0.3),
		singleVoxel(0.04), singleVoxel(0.09),
		singleVoxel(0.01))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	expected := 0.0440694103
	if math.Abs(result.PValues.Data[0]-expected) > 1e-6 {
		t.Errorf("Expected p=%.10f, got %.10f", expected, result.PValues.Data[0])
	}

	if result.Mask.Data[0] != 1 {
		t.Errorf("Expected mask=1 for a valid voxel, got %f", result.Mask.Data[0])
	}

	if result.ZeroedVoxels != 0 {
		t.Errorf("Expected no zeroed voxels, got %d", result.ZeroedVoxels)
	}
}

// TestComputeDegenerateVariance verifies that a non-positive combined
// variance forces the output to exactly 0 regardless of the coefficients
func TestComputeDegenerateVariance(t *testing.T) {
	engine := NewEngine(&Params{DegreesOfFreedom: 50, NumCores: 1})

	// var_a=-0.01, var_b=0, cov_ab=0 gives var_sum=-0.01
	for _, beta := range []float64{0.0, 5.0, -5.0, math.Inf(1)} {
		result, err := engine.Compute(
			singleVoxel(beta), singleVoxel(beta),
			singleVoxel(-0.01), singleVoxel(0.0),
			singleVoxel(0.0))
		if err != nil {
			t.Fatalf("Compute failed for beta=%f: %v", beta, err)
		}

		if result.PValues.Data[0] != 0 {
			t.Errorf("Expected p=0 for degenerate variance with beta=%f, got %f", beta, result.PValues.Data[0])
		}

		if result.Mask.Data[0] != 0 {
			t.Errorf("Expected mask=0 for degenerate voxel, got %f", result.Mask.Data[0])
		}

		if result.ZeroedVoxels != 1 {
			t.Errorf("Expected 1 zeroed voxel, got %d", result.ZeroedVoxels)
		}
	}
}

// TestComputeExactZeroVariance verifies the boundary case var_sum=0,
// which must be treated as degenerate rather than divided through
func TestComputeExactZeroVariance(t *testing.T) {
	engine := NewEngine(&Params{DegreesOfFreedom: 10, NumCores: 1})

	result, err := engine.Compute(
		singleVoxel(1.0), singleVoxel(1.0),
		singleVoxel(0.0), singleVoxel(0.0),
		singleVoxel(0.0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if result.PValues.Data[0] != 0 {
		t.Errorf("Expected p=0 for zero variance, got %f", result.PValues.Data[0])
	}
}

// TestComputeNegationSymmetry verifies that negating both coefficients
// leaves the p-value unchanged, since p depends only on |t|
func TestComputeNegationSymmetry(t *testing.T) {
	engine := NewEngine(&Params{DegreesOfFreedom: 25, NumCores: 1})

	positive, err := engine.Compute(
		singleVoxel(0.7), singleVoxel(0.2),
		singleVoxel(0.05), singleVoxel(0.03),
		singleVoxel(0.005))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	negative, err := engine.Compute(
		singleVoxel(-0.7), singleVoxel(-0.2),
		singleVoxel(0.05), singleVoxel(0.03),
		singleVoxel(0.005))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if positive.PValues.Data[0] != negative.PValues.Data[0] {
		t.Errorf("Expected symmetric p-values, got %f and %f",
			positive.PValues.Data[0], negative.PValues.Data[0])
	}
}

// TestComputeZeroCovariance verifies the reduction to independent
// coefficients: with cov_ab=0 the combined variance is var_a+var_b, so
// splitting one variance across the two inputs must not change the result
func TestComputeZeroCovariance(t *testing.T) {
	engine := NewEngine(&Params{DegreesOfFreedom: 40, NumCores: 1})

	combined, err := engine.Compute(
		singleVoxel(0.4), singleVoxel(0.1),
		singleVoxel(0.02), singleVoxel(0.06),
		singleVoxel(0.0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	rebalanced, err := engine.Compute(
		singleVoxel(0.4), singleVoxel(0.1),
		singleVoxel(0.06), singleVoxel(0.02),
		singleVoxel(0.0))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if math.Abs(combined.PValues.Data[0]-rebalanced.PValues.Data[0]) > 1e-15 {
		t.Errorf("Expected identical p-values for var_sum=0.08, got %f and %f",
			combined.PValues.Data[0], rebalanced.PValues.Data[0])
	}
}

// TestComputeThreeVoxelIndependence verifies per-voxel independence by
// mixing a valid voxel, a degenerate-variance voxel, and an exact-zero
// beta-sum voxel in one volume
func TestComputeThreeVoxelIndependence(t *testing.T) {
	makeVolume := func(values ...float64) *models.Volume {
		v := models.NewVolume([]int{len(values)})
		copy(v.Data, values)
		return v
	}

	engine := NewEngine(&Params{DegreesOfFreedom: 50, NumCores: 1})

	result, err := engine.Compute(
		makeVolume(0.5, 0.5, 0.3),
		makeVolume(0.3, 0.5, -0.3),
		makeVolume(0.04, -0.01, 0.04),
		makeVolume(0.09, 0.0, 0.09),
		makeVolume(0.01, 0.0, 0.01))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	// Voxel 0: the pinned reference scenario
	if math.Abs(result.PValues.Data[0]-0.0440694103) > 1e-6 {
		t.Errorf("Valid voxel: expected p=0.0440694, got %.10f", result.PValues.Data[0])
	}

	// Voxel 1: degenerate variance, forced to 0
	if result.PValues.Data[1] != 0 {
		t.Errorf("Degenerate voxel: expected p=0, got %f", result.PValues.Data[1])
	}

	// Voxel 2: beta_sum=0 means t=0, CDF(0)=0.5, p=2*(1-0.5)=1.0
	if math.Abs(result.PValues.Data[2]-1.0) > 1e-12 {
		t.Errorf("Zero-beta voxel: expected p=1.0, got %f", result.PValues.Data[2])
	}

	if result.ZeroedVoxels != 1 {
		t.Errorf("Expected exactly 1 zeroed voxel, got %d", result.ZeroedVoxels)
	}
}

// TestComputeNaNInputZeroed verifies that NaN coefficients at a voxel with
// valid variance still produce a zeroed, masked-out voxel
func TestComputeNaNInputZeroed(t *testing.T) {
	engine := NewEngine(&Params{DegreesOfFreedom: 50, NumCores: 1})

	result, err := engine.Compute(
		singleVoxel(math.NaN()), singleVoxel(0.3),
		singleVoxel(0.04), singleVoxel(0.09),
		singleVoxel(0.01))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if result.PValues.Data[0] != 0 {
		t.Errorf("Expected p=0 for NaN coefficient, got %f", result.PValues.Data[0])
	}

	if result.ZeroedVoxels != 1 {
		t.Errorf("Expected 1 zeroed voxel, got %d", result.ZeroedVoxels)
	}
}

// TestComputeShapeMismatch verifies that mismatched input shapes are
// rejected with a ShapeMismatchError before any computation happens
func TestComputeShapeMismatch(t *testing.T) {
	engine := NewEngine(&Params{DegreesOfFreedom: 50, NumCores: 1})

	mismatched := models.NewVolume([]int{2})

	_, err := engine.Compute(
		singleVoxel(0.5), singleVoxel(0.3),
		singleVoxel(0.04), mismatched,
		singleVoxel(0.01))
	if err == nil {
		t.Fatal("Expected error for mismatched shapes, got nil")
	}

	var shapeErr *ShapeMismatchError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("Expected ShapeMismatchError, got %T: %v", err, err)
	}

	if shapeErr.Input != "var_b" {
		t.Errorf("Expected offending input var_b, got %s", shapeErr.Input)
	}
}

// TestComputeRejectsNonPositiveDF verifies that df<=0 is refused rather
// than flowing into an undefined CDF evaluation
func TestComputeRejectsNonPositiveDF(t *testing.T) {
	for _, df := range []int{0, -1, -50} {
		engine := NewEngine(&Params{DegreesOfFreedom: df, NumCores: 1})

		_, err := engine.Compute(
			singleVoxel(0.5), singleVoxel(0.3),
			singleVoxel(0.04), singleVoxel(0.09),
			singleVoxel(0.01))
		if err == nil {
			t.Errorf("Expected error for df=%d, got nil", df)
		}
	}
}

// TestComputeParallelConsistency verifies that the output is identical
// regardless of how many cores process the volume
func TestComputeParallelConsistency(t *testing.T) {
	// Build a volume large enough to span several chunks, with a mix of
	// valid and degenerate voxels
	n := 10000
	shape := []int{n}
	betaA := models.NewVolume(shape)
	betaB := models.NewVolume(shape)
	varA := models.NewVolume(shape)
	varB := models.NewVolume(shape)
	covAB := models.NewVolume(shape)

	for i := 0; i < n; i++ {
		betaA.Data[i] = math.Sin(float64(i)) * 0.5
		betaB.Data[i] = math.Cos(float64(i)) * 0.3
		varA.Data[i] = 0.04
		varB.Data[i] = 0.09
		// Every 7th voxel gets a covariance negative enough to make
		// the combined variance non-positive
		if i%7 == 0 {
			covAB.Data[i] = -0.1
		} else {
			covAB.Data[i] = 0.01
		}
	}

	serial := NewEngine(&Params{DegreesOfFreedom: 50, NumCores: 1})
	parallel := NewEngine(&Params{DegreesOfFreedom: 50, NumCores: 8})

	serialResult, err := serial.Compute(betaA, betaB, varA, varB, covAB)
	if err != nil {
		t.Fatalf("Serial compute failed: %v", err)
	}

	parallelResult, err := parallel.Compute(betaA, betaB, varA, varB, covAB)
	if err != nil {
		t.Fatalf("Parallel compute failed: %v", err)
	}

	for i := 0; i < n; i++ {
		if serialResult.PValues.Data[i] != parallelResult.PValues.Data[i] {
			t.Fatalf("Voxel %d differs between serial and parallel: %f vs %f",
				i, serialResult.PValues.Data[i], parallelResult.PValues.Data[i])
		}
	}

	if serialResult.ZeroedVoxels != parallelResult.ZeroedVoxels {
		t.Errorf("Zeroed counts differ: serial %d, parallel %d",
			serialResult.ZeroedVoxels, parallelResult.ZeroedVoxels)
	}
}

// TestComputePValueRange verifies that all valid outputs lie in [0, 1]
func TestComputePValueRange(t *testing.T) {
	n := 1000
	shape := []int{n}
	betaA := models.NewVolume(shape)
	betaB := models.NewVolume(shape)
	varA := models.NewVolume(shape)
	varB := models.NewVolume(shape)
	covAB := models.NewVolume(shape)

	for i := 0; i < n; i++ {
		betaA.Data[i] = float64(i-500) * 0.01
		betaB.Data[i] = float64(500-i) * 0.005
		varA.Data[i] = 0.001 + float64(i)*0.0001
		varB.Data[i] = 0.002
		covAB.Data[i] = 0.0001
	}

	engine := NewEngine(&Params{DegreesOfFreedom: 30, NumCores: 4})
	result, err := engine.Compute(betaA, betaB, varA, varB, covAB)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	for i, p := range result.PValues.Data {
		if p < 0 || p > 1 {
			t.Fatalf("Voxel %d: p-value %f outside [0, 1]", i, p)
		}
	}
}
