// Package nifti reads and writes volumetric maps in the NIfTI-1 format used
// throughout neuroimaging pipelines. Reading handles single-file .nii and
// .nii.gz volumes in either byte order, converts the common integer and
// floating-point datatypes to float64, and applies the header's intensity
// scaling. Writing always produces a little-endian float64 volume, reusing
// the spatial metadata (qform/sform, voxel spacing, units) of a reference
// header so the output overlays the inputs voxel for voxel.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"coxpmap/internal/models"
)

// NIfTI-1 datatype codes for the voxel representations this package decodes.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

const (
	headerSize = 348

	// dataOffset is where voxel data starts in files this package writes:
	// the fixed header plus the four-byte extension indicator.
	dataOffset = 352
)

// Header mirrors the fixed 348-byte NIfTI-1 header. Field names follow the
// C struct definition from nifti1.h so they can be cross-referenced against
// the format specification.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Dims returns the volume shape encoded in the header's dim array.
func (h *Header) Dims() []int {
	ndim := int(h.Dim[0])
	shape := make([]int, ndim)
	for i := 0; i < ndim; i++ {
		shape[i] = int(h.Dim[i+1])
	}
	return shape
}

// ReadVolume loads a single-file NIfTI-1 volume (.nii or .nii.gz) and
// returns its voxel data as float64 together with the parsed header. The
// header is kept so its geometry can be reused when writing results.
func ReadVolume(path string) (*models.Volume, *Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open NIfTI file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gzip stream in %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	hdr, order, err := readHeader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	shape := hdr.Dims()
	if len(shape) == 0 {
		return nil, nil, fmt.Errorf("%s: header declares zero dimensions", path)
	}
	numVoxels := 1
	for _, d := range shape {
		if d < 1 {
			return nil, nil, fmt.Errorf("%s: invalid dimension %d in header", path, d)
		}
		numVoxels *= d
	}

	// Skip any header extensions between the fixed header and the data.
	if skip := int64(hdr.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, nil, fmt.Errorf("%s: truncated before voxel data: %w", path, err)
		}
	}

	data, err := decodeVoxels(r, hdr.Datatype, order, numVoxels)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	// Apply the header's affine intensity scaling. A zero slope means
	// "no scaling" per the NIfTI-1 specification.
	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		slope := float64(hdr.SclSlope)
		inter := float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &models.Volume{Data: data, Shape: shape}, hdr, nil
}

// readHeader reads the fixed header and determines the file's byte order
// from the sizeof_hdr field, which is 348 in whichever order the file was
// written.
func readHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("failed to read NIfTI header: %w", err)
	}

	hdr := &Header{}
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, hdr); err != nil {
		return nil, nil, fmt.Errorf("failed to parse NIfTI header: %w", err)
	}
	if hdr.SizeofHdr != headerSize {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, hdr); err != nil {
			return nil, nil, fmt.Errorf("failed to parse NIfTI header: %w", err)
		}
		if hdr.SizeofHdr != headerSize {
			return nil, nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr=%d)", hdr.SizeofHdr)
		}
	}

	magic := string(hdr.Magic[:3])
	switch magic {
	case "n+1":
		// Single-file volume, data follows in the same stream.
	case "ni1":
		return nil, nil, fmt.Errorf("detached .hdr/.img pairs are not supported, merge to a single .nii first")
	default:
		return nil, nil, fmt.Errorf("unrecognized NIfTI magic %q", magic)
	}

	return hdr, order, nil
}

// decodeVoxels reads numVoxels values of the given datatype and widens them
// to float64.
func decodeVoxels(r io.Reader, datatype int16, order binary.ByteOrder, numVoxels int) ([]float64, error) {
	bytesPer, ok := map[int16]int{
		DTUint8: 1, DTInt8: 1,
		DTInt16: 2, DTUint16: 2,
		DTInt32: 4, DTUint32: 4, DTFloat32: 4,
		DTFloat64: 8,
	}[datatype]
	if !ok {
		return nil, fmt.Errorf("unsupported NIfTI datatype code %d", datatype)
	}

	raw := make([]byte, numVoxels*bytesPer)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("truncated voxel data: %w", err)
	}

	data := make([]float64, numVoxels)
	for i := 0; i < numVoxels; i++ {
		b := raw[i*bytesPer:]
		switch datatype {
		case DTUint8:
			data[i] = float64(b[0])
		case DTInt8:
			data[i] = float64(int8(b[0]))
		case DTInt16:
			data[i] = float64(int16(order.Uint16(b)))
		case DTUint16:
			data[i] = float64(order.Uint16(b))
		case DTInt32:
			data[i] = float64(int32(order.Uint32(b)))
		case DTUint32:
			data[i] = float64(order.Uint32(b))
		case DTFloat32:
			data[i] = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			data[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return data, nil
}

// WriteVolume saves a float64 volume as a single-file NIfTI-1 image at path,
// gzip-compressed when the path ends in .gz. The spatial metadata of ref is
// carried over so the output aligns with the reference image; conventionally
// ref is the header of the first coefficient map. A nil ref produces a
// minimal header with unit voxel spacing and no orientation information.
func WriteVolume(path string, vol *models.Volume, ref *Header) error {
	hdr := buildOutputHeader(vol, ref)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("failed to write NIfTI header: %w", err)
	}
	// Four zero bytes: no header extensions follow.
	if _, err := w.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return fmt.Errorf("failed to write extension indicator: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, vol.Data); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finalize gzip stream: %w", err)
		}
	}
	return nil
}

// buildOutputHeader derives the output header from the reference geometry,
// switching the datatype to float64 and resetting fields that describe the
// reference intensities rather than the new data.
func buildOutputHeader(vol *models.Volume, ref *Header) *Header {
	hdr := &Header{}
	if ref != nil {
		*hdr = *ref
	} else {
		for i := range hdr.Pixdim {
			hdr.Pixdim[i] = 1
		}
	}

	hdr.SizeofHdr = headerSize
	copy(hdr.Magic[:], "n+1\x00")

	hdr.Dim = [8]int16{}
	hdr.Dim[0] = int16(len(vol.Shape))
	for i := range hdr.Dim[1:] {
		hdr.Dim[i+1] = 1
	}
	for i, d := range vol.Shape {
		hdr.Dim[i+1] = int16(d)
	}

	hdr.Datatype = DTFloat64
	hdr.Bitpix = 64
	hdr.VoxOffset = dataOffset
	hdr.SclSlope = 1
	hdr.SclInter = 0
	hdr.CalMax = 0
	hdr.CalMin = 0
	hdr.Glmax = 0
	hdr.Glmin = 0

	hdr.Descrip = [80]byte{}
	copy(hdr.Descrip[:], "coxpmap combined-coefficient p-values")

	return hdr
}
