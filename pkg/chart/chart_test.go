package chart

import (
	"math"
	"strings"
	"testing"
)

const sampleChart = `CTI1

# Comment lines and blank lines are ignored.
NUMBER_OF_FIELDS 7
BEGIN_DATA_FORMAT
SAMPLE_ID RGB_R RGB_G RGB_B XYZ_X XYZ_Y XYZ_Z
END_DATA_FORMAT
NUMBER_OF_SETS 3
BEGIN_DATA
1 100.0 100.0 100.0 95.05 100.00 108.90
2 50.0 50.0 50.0 20.17 21.22 23.12
3 0.0 0.0 0.0 0.25 0.20 0.15
END_DATA
`

const noXYZChart = `BEGIN_DATA_FORMAT
SAMPLE_ID RGB_R RGB_G RGB_B
END_DATA_FORMAT
BEGIN_DATA
17 100.0 0.0 0.0
18 0.0 100.0 0.0
END_DATA
`

func TestReadWithReferenceXYZ(t *testing.T) {
	specs, err := Read(strings.NewReader(sampleChart))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 patches, got %d", len(specs))
	}
	for i, s := range specs {
		if s.Index != i {
			t.Errorf("patch %d has index %d", i, s.Index)
		}
	}
	if specs[0].R != 1.0 || specs[0].TargetY != 1.0 {
		t.Errorf("white patch parsed wrong: %+v", specs[0])
	}
	if math.Abs(specs[1].TargetY-0.2122) > 1e-9 {
		t.Errorf("mid gray target luminance = %v, want 0.2122", specs[1].TargetY)
	}
}

func TestReadDerivesLuminance(t *testing.T) {
	specs, err := Read(strings.NewReader(noXYZChart))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 patches, got %d", len(specs))
	}
	// Sequence index must follow file order, not SAMPLE_ID.
	if specs[0].Index != 0 || specs[1].Index != 1 {
		t.Errorf("indices not sequential: %d, %d", specs[0].Index, specs[1].Index)
	}
	wantRed := TargetLuminance(1, 0, 0)
	if specs[0].TargetY != wantRed {
		t.Errorf("red target luminance = %v, want %v", specs[0].TargetY, wantRed)
	}
	if specs[1].TargetY <= specs[0].TargetY {
		t.Errorf("green should be brighter than red: %v <= %v", specs[1].TargetY, specs[0].TargetY)
	}
}

func TestReadRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"no patches":  "BEGIN_DATA\nEND_DATA\n",
		"missing rgb": "BEGIN_DATA_FORMAT\nSAMPLE_ID RGB_R RGB_G\nEND_DATA_FORMAT\nBEGIN_DATA\n1 0 0\nEND_DATA\n",
		"short row":   "BEGIN_DATA_FORMAT\nRGB_R RGB_G RGB_B\nEND_DATA_FORMAT\nBEGIN_DATA\n1 2\nEND_DATA\n",
		"bad number":  "BEGIN_DATA_FORMAT\nRGB_R RGB_G RGB_B\nEND_DATA_FORMAT\nBEGIN_DATA\nx y z\nEND_DATA\n",
		"missing hdr": "BEGIN_DATA\n1 2 3\nEND_DATA\n",
	}
	for name, in := range cases {
		if _, err := Read(strings.NewReader(in)); err == nil {
			t.Errorf("%s: expected error, got none", name)
		}
	}
}

func TestGrayscale(t *testing.T) {
	specs := Grayscale(5)
	if len(specs) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(specs))
	}
	if specs[0].R != 0 || specs[4].R != 1 {
		t.Errorf("ramp endpoints wrong: %+v %+v", specs[0], specs[4])
	}
	for i := 1; i < len(specs); i++ {
		if specs[i].TargetY <= specs[i-1].TargetY {
			t.Errorf("ramp luminance not increasing at step %d", i)
		}
	}
	if got := Grayscale(1); len(got) != 2 {
		t.Errorf("minimum ramp size should be 2, got %d", len(got))
	}
}
