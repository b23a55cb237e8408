// Package volume is the volume extractor (C8): assembles an ordered 3-D
// pixel matrix from a series' cached instance files for streaming to 3-D
// viewers. No teacher analog exists; built atop C1's typed dataset
// accessors. Each instance file is parsed whole, pixel data included, when
// it is read, and every usable slice's pixel bytes are held until packing.
// Samples are packed as stored: rescale slope and intercept are not read or
// applied.
package volume

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/dicom-gateway/gateway/pkg/dicomcodec"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DataFormat is the packed pixel sample type, matching the source
// instances' PixelRepresentation.
type DataFormat string

const (
	FormatInt16  DataFormat = "INT16"
	FormatUint16 DataFormat = "UINT16"
)

// Metadata describes the packed volume returned alongside the pixel
// stream, per §4.8/§6.
type Metadata struct {
	Rows                   int        `json:"rows"`
	Columns                int        `json:"columns"`
	SliceCount             int        `json:"sliceCount"`
	OriginalSliceCount     int        `json:"originalSliceCount"`
	SubsampleFactor        int        `json:"subsampleFactor"`
	SpacingBetweenSlices   float64    `json:"spacingBetweenSlices"`
	DataFormat             DataFormat `json:"dataFormat"`
}

type slice struct {
	rows, columns  int
	bitsAllocated  int
	pixelRepr      int
	instanceNumber int
	position       float64
	spacing        float64
	pixels         []byte // native bytes straight from the file, not yet widened
}

// Extract builds the volume from instanceFiles (canonical on-disk paths for
// one series) and subsample (stride length, must be >= 1). A
// non-positive subsample is an error per §8's boundary behavior; every
// other input, including zero usable slices, returns a (possibly empty)
// result without error.
func Extract(instanceFiles []string, subsample int, log zerolog.Logger) (Metadata, []byte, error) {
	if subsample <= 0 {
		return Metadata{}, nil, fmt.Errorf("subsample must be a positive integer, got %d", subsample)
	}

	slices := make([]slice, 0, len(instanceFiles))
	for _, path := range instanceFiles {
		sl, ok, err := readSlice(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("dropping unreadable instance from volume")
			continue
		}
		if !ok {
			log.Warn().Str("path", path).Msg("dropping instance with unusable geometry from volume")
			continue
		}
		slices = append(slices, sl)
	}

	if len(slices) == 0 {
		return Metadata{SliceCount: 0, OriginalSliceCount: 0, SubsampleFactor: subsample, DataFormat: FormatInt16}, nil, nil
	}

	rows, columns := slices[0].rows, slices[0].columns
	dataFormat := FormatInt16
	if slices[0].pixelRepr == 0 {
		dataFormat = FormatUint16
	}

	filtered := slices[:0]
	for _, sl := range slices {
		if sl.rows != rows || sl.columns != columns {
			log.Warn().Int("rows", sl.rows).Int("columns", sl.columns).Msg("dropping dimension-mismatched slice")
			continue
		}
		filtered = append(filtered, sl)
	}
	slices = filtered

	sort.SliceStable(slices, func(i, j int) bool {
		if slices[i].position != slices[j].position {
			return slices[i].position < slices[j].position
		}
		return slices[i].instanceNumber < slices[j].instanceNumber
	})

	originalCount := len(slices)
	var sampled []slice
	for i := 0; i < len(slices); i += subsample {
		sampled = append(sampled, slices[i])
	}

	nativeSpacing := slices[0].spacing
	out := make([]byte, 0, len(sampled)*rows*columns*2)
	for _, sl := range sampled {
		out = append(out, widenTo16(sl)...)
	}

	meta := Metadata{
		Rows:                 rows,
		Columns:              columns,
		SliceCount:           len(sampled),
		OriginalSliceCount:   originalCount,
		SubsampleFactor:      subsample,
		SpacingBetweenSlices: nativeSpacing * float64(subsample),
		DataFormat:           dataFormat,
	}
	return meta, out, nil
}

func readSlice(path string) (slice, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return slice{}, false, err
	}
	defer f.Close()

	ds, _, err := dicomcodec.ReadFile(f)
	if err != nil {
		return slice{}, false, err
	}

	rows := ds.Int(tag.Rows)
	columns := ds.Int(tag.Columns)
	bitsAllocated := ds.Int(tag.BitsAllocated)
	if rows <= 0 || columns <= 0 || (bitsAllocated != 8 && bitsAllocated != 16) {
		return slice{}, false, nil
	}

	pixelRepr := ds.Int(tag.PixelRepresentation)
	pixels, err := dicomcodec.GetPixelData(ds)
	if err != nil {
		return slice{}, false, err
	}

	sliceThickness := 0.0
	if v := ds.Doubles(tag.SliceThickness); len(v) > 0 {
		sliceThickness = v[0]
	}

	return slice{
		rows:           rows,
		columns:        columns,
		bitsAllocated:  bitsAllocated,
		pixelRepr:      pixelRepr,
		instanceNumber: ds.Int(tag.InstanceNumber),
		position:       slicePosition(ds),
		spacing:        sliceThickness,
		pixels:         pixels,
	}, true, nil
}

// slicePosition derives a sortable slice position per §4.8: SliceLocation
// when present, else the dot product of ImagePositionPatient with the
// row/column direction normal, else InstanceNumber.
func slicePosition(ds *dicomcodec.WireDataset) float64 {
	if sl := ds.Doubles(tag.SliceLocation); len(sl) > 0 {
		return sl[0]
	}

	ipp := ds.Doubles(tag.ImagePositionPatient)
	iop := ds.Doubles(tag.ImageOrientationPatient)
	if len(ipp) == 3 && len(iop) == 6 {
		rowDir := [3]float64{iop[0], iop[1], iop[2]}
		colDir := [3]float64{iop[3], iop[4], iop[5]}
		normal := cross(rowDir, colDir)
		return dot(normal, [3]float64{ipp[0], ipp[1], ipp[2]})
	}

	return float64(ds.Int(tag.InstanceNumber))
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// widenTo16 expands 8- or 16-bit native samples to little-endian signed
// 16-bit samples, per §4.8. Source bytes are assumed little-endian
// already, consistent with the core transfer syntaxes this codec decodes.
func widenTo16(s slice) []byte {
	count := s.rows * s.columns
	out := make([]byte, count*2)

	switch s.bitsAllocated {
	case 8:
		for i := 0; i < count && i < len(s.pixels); i++ {
			v := uint16(s.pixels[i])
			if s.pixelRepr == 1 {
				v = uint16(int16(int8(s.pixels[i])))
			}
			binary.LittleEndian.PutUint16(out[i*2:], v)
		}
	case 16:
		n := count
		if n*2 > len(s.pixels) {
			n = len(s.pixels) / 2
		}
		copy(out, s.pixels[:n*2])
	}
	return out
}
