// Package visualization exports quick-look images of a computed significance
// map so results can be sanity-checked without a neuroimaging viewer.
// Voxels are rendered in grayscale with brightness 1-p: significant regions
// appear bright, degenerate (zeroed) voxels appear fully bright as well,
// which is exactly why they must fall outside the anatomy of interest.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"coxpmap/internal/models"
)

// Viewer extracts and saves 2D slices of a 3-D significance map.
type Viewer struct {
	// volume holds the p-value map being rendered
	volume *models.Volume

	// dimensions of the volume
	width  int
	height int
	depth  int
}

// NewViewer creates a viewer for the given volume. The volume must be 3-D;
// trailing singleton dimensions are tolerated since some pipelines emit 4-D
// files with a single frame.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	shape := vol.Shape
	for len(shape) > 3 && shape[len(shape)-1] == 1 {
		shape = shape[:len(shape)-1]
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("slice export requires a 3-D volume, got shape %s", vol.ShapeString())
	}

	return &Viewer{
		volume: vol,
		width:  shape[0],
		height: shape[1],
		depth:  shape[2],
	}, nil
}

// pixelValue maps a p-value to a 16-bit gray level, brightest at p=0.
func pixelValue(p float64) uint16 {
	return uint16(math.Max(0, math.Min(65535, (1-p)*65535)))
}

// ExtractSlice extracts a 2D slice from the 3-D volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}

		img = *image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				idx := z*v.width*v.height + y*v.width + position
				img.SetGray16(z, y, color.Gray16{Y: pixelValue(v.volume.Data[idx])})
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}

		img = *image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				idx := z*v.width*v.height + position*v.width + x
				img.SetGray16(x, z, color.Gray16{Y: pixelValue(v.volume.Data[idx])})
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}

		img = *image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				idx := position*v.width*v.height + y*v.width + x
				img.SetGray16(x, y, color.Gray16{Y: pixelValue(v.volume.Data[idx])})
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return &img, nil
}

// ExtractRegion extracts a 3-D subregion of the map, e.g. around a known
// anatomical landmark, as a new volume.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.Volume, error) {
	// Validate parameters
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}

	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}

	if startX+sizeX > v.width || startY+sizeY > v.height || startZ+sizeZ > v.depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := models.NewVolume([]int{sizeX, sizeY, sizeZ})

	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				srcIdx := (startZ+z)*v.width*v.height + (startY+y)*v.width + (startX + x)
				dstIdx := z*sizeX*sizeY + y*sizeX + x
				region.Data[dstIdx] = v.volume.Data[srcIdx]
			}
		}
	}

	return region, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves a sequence of slices along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
