package chart

import "math"

// Additive display model used to predict the XYZ of an RGB patch when the
// chart file does not carry reference values. Primaries are the standard
// sRGB/D65 colorant XYZ coordinates; a small black glare floor is folded in
// so predicted dark patches do not reach exactly zero, matching what a
// contact instrument actually sees on a lit panel.

var (
	primaryR = [3]float64{0.412414, 0.212642, 0.019325}
	primaryG = [3]float64{0.357618, 0.715136, 0.119207}
	primaryB = [3]float64{0.180511, 0.072193, 0.950770}
	glareK   = [3]float64{0.01, 0.01, 0.01}

	yNorm = 1.0 / (primaryR[1] + primaryG[1] + primaryB[1])
)

// RGB2XYZ predicts the on-screen XYZ of device RGB values in [0, 1] using a
// simple additive model with an sRGB-style transfer curve, normalized so a
// full-white patch has Y = 1 before glare is added.
func RGB2XYZ(r, g, b float64) (x, y, z float64) {
	d := [3]float64{r, g, b}
	prims := [3][3]float64{primaryR, primaryG, primaryB}

	var xyz [3]float64
	for e := 0; e < 3; e++ {
		v := d[e]
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		if v <= 0.03928 {
			v /= 12.92
		} else {
			v = math.Pow((0.055+v)/1.055, 2.4)
		}
		for j := 0; j < 3; j++ {
			xyz[j] += v * prims[e][j]
		}
	}
	return normalizeAddGlare(xyz[0], xyz[1], xyz[2])
}

// normalizeAddGlare normalizes Y to 1.0 and adds the black glare floor.
func normalizeAddGlare(x, y, z float64) (float64, float64, float64) {
	xyz := [3]float64{x, y, z}
	for j := 0; j < 3; j++ {
		xyz[j] *= yNorm
		xyz[j] = xyz[j]*(1.0-glareK[j]) + glareK[j]
	}
	return xyz[0], xyz[1], xyz[2]
}

// denormalizeRemoveGlare is the inverse of normalizeAddGlare.
func denormalizeRemoveGlare(x, y, z float64) (float64, float64, float64) {
	xyz := [3]float64{x, y, z}
	for j := 0; j < 3; j++ {
		xyz[j] = (xyz[j] - glareK[j]) / (1.0 - glareK[j])
		xyz[j] /= yNorm
	}
	return xyz[0], xyz[1], xyz[2]
}

// TargetLuminance returns the predicted relative luminance (Y) for device RGB
// values in [0, 1].
func TargetLuminance(r, g, b float64) float64 {
	_, y, _ := RGB2XYZ(r, g, b)
	return y
}
