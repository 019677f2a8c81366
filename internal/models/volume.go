package models

import "fmt"

// Volume represents a volumetric statistical map loaded from a NIfTI file
// or produced by the significance engine. Voxels are stored in file order
// (first axis fastest), which is irrelevant to the element-wise computation
// but preserved so outputs line up with the reference geometry.
type Volume struct {
	// Data is the voxel data as a flat array in first-axis-fastest order
	Data []float64

	// Shape holds the extent of each axis, e.g. [91 109 91] for a
	// typical 2mm MNI-space volume
	Shape []int
}

// NewVolume allocates a zero-filled volume with the given shape.
func NewVolume(shape []int) *Volume {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Volume{
		Data:  make([]float64, n),
		Shape: append([]int(nil), shape...),
	}
}

// NumVoxels returns the total number of voxels in the volume.
func (v *Volume) NumVoxels() int {
	return len(v.Data)
}

// SameShape reports whether two volumes have identical shape, axis by axis.
// All five inputs to the significance engine must satisfy this pairwise;
// voxel i then refers to the same anatomical location in every map.
func (v *Volume) SameShape(other *Volume) bool {
	if len(v.Shape) != len(other.Shape) {
		return false
	}
	for i, d := range v.Shape {
		if other.Shape[i] != d {
			return false
		}
	}
	return true
}

// ShapeString formats the shape for error messages, e.g. "91x109x91".
func (v *Volume) ShapeString() string {
	s := ""
	for i, d := range v.Shape {
		if i > 0 {
			s += "x"
		}
		s += fmt.Sprintf("%d", d)
	}
	return s
}
