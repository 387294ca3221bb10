// Package chart reads test-chart files: the ordered list of color patches a
// measurement session presents to the display.
//
// The accepted format is the CGATS-style text layout used by common chart
// editors: a BEGIN_DATA_FORMAT/END_DATA_FORMAT header naming the columns,
// then BEGIN_DATA/END_DATA rows. RGB values are on the usual 0-100 scale.
// Reference XYZ columns are optional; when absent, the target luminance of a
// patch is predicted from its RGB values (see colormath.go).
package chart

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// PatchSpec is one ordered entry of a chart: the device color to present and
// the luminance the patch is expected to produce. R, G, B and TargetY are on
// a 0..1 scale.
type PatchSpec struct {
	Index   int     `json:"index"`
	R       float64 `json:"r"`
	G       float64 `json:"g"`
	B       float64 `json:"b"`
	TargetY float64 `json:"targetY"`
}

// ReadFile reads a chart file from disk.
func ReadFile(path string) ([]PatchSpec, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open chart %s", path)
	}
	defer fp.Close() //nolint:errcheck

	specs, err := Read(fp)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to parse chart %s", path)
	}
	return specs, nil
}

// Read parses a chart from r. Patch order follows file order; indices are
// assigned sequentially from 0 regardless of any SAMPLE_ID column so that
// downstream sequencing never depends on editor-chosen IDs.
func Read(r io.Reader) ([]PatchSpec, error) {
	var (
		fields  []string
		inlineF bool
		inData  bool
		specs   []PatchSpec
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case line == "BEGIN_DATA_FORMAT":
			inlineF = true
			continue
		case line == "END_DATA_FORMAT":
			inlineF = false
			continue
		case line == "BEGIN_DATA":
			inData = true
			continue
		case line == "END_DATA":
			inData = false
			continue
		}

		if inlineF {
			fields = append(fields, strings.Fields(line)...)
			continue
		}
		if !inData {
			continue
		}

		spec, err := parseDataRow(fields, line)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "data row %d", len(specs)+1)
		}
		spec.Index = len(specs)
		specs = append(specs, spec)
	}
	if err := sc.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read chart")
	}

	if len(specs) == 0 {
		return nil, pkgerrors.New("chart contains no patches")
	}
	return specs, nil
}

func parseDataRow(fields []string, line string) (PatchSpec, error) {
	cols := strings.Fields(line)
	if len(fields) == 0 {
		return PatchSpec{}, pkgerrors.New("missing BEGIN_DATA_FORMAT header")
	}
	if len(cols) < len(fields) {
		return PatchSpec{}, pkgerrors.Errorf("expected %d columns, got %d", len(fields), len(cols))
	}

	col := func(name string) (float64, bool, error) {
		for i, f := range fields {
			if strings.EqualFold(f, name) {
				v, err := strconv.ParseFloat(cols[i], 64)
				if err != nil {
					return 0, false, pkgerrors.Wrapf(err, "column %s", name)
				}
				return v, true, nil
			}
		}
		return 0, false, nil
	}

	var spec PatchSpec
	for _, c := range []struct {
		name string
		dst  *float64
	}{
		{"RGB_R", &spec.R},
		{"RGB_G", &spec.G},
		{"RGB_B", &spec.B},
	} {
		v, ok, err := col(c.name)
		if err != nil {
			return PatchSpec{}, err
		}
		if !ok {
			return PatchSpec{}, pkgerrors.Errorf("chart has no %s column", c.name)
		}
		*c.dst = v / 100.0
	}

	if y, ok, err := col("XYZ_Y"); err != nil {
		return PatchSpec{}, err
	} else if ok {
		spec.TargetY = y / 100.0
	} else {
		spec.TargetY = TargetLuminance(spec.R, spec.G, spec.B)
	}

	return spec, nil
}

// Grayscale synthesizes an n-step neutral ramp from black to white. It is
// used for the grayscale calibration stage, which does not come from a chart
// file.
func Grayscale(n int) []PatchSpec {
	if n < 2 {
		n = 2
	}
	specs := make([]PatchSpec, n)
	for i := range specs {
		v := float64(i) / float64(n-1)
		specs[i] = PatchSpec{
			Index:   i,
			R:       v,
			G:       v,
			B:       v,
			TargetY: TargetLuminance(v, v, v),
		}
	}
	return specs
}
