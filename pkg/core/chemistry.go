// Package core provides the element masses, ion tables and peak tree model
// shared by the fragment engine, the matcher and the readers.
package core

import (
	"fmt"
	"math"
	"strconv"
)

// Atomic masses (monoisotopic)
const (
	MassH  = 1.0078250321
	MassC  = 12.0000000000
	MassN  = 14.0030740052
	MassO  = 15.9949146221
	MassS  = 31.97207069
	MassP  = 30.97376151
	MassNa = 22.9897692809
	MassK  = 38.96370668
	MassCl = 34.96885271

	// Electron mass, subtracted from neutral masses to get positive ion m/z
	ElectronMass = 0.0005486

	// Proton mass for charge calculations
	ProtonMass = 1.00727646688
)

// ElementMasses maps element symbols to the monoisotopic mass of their most
// abundant isotope.
var ElementMasses = map[string]float64{
	"H":  MassH,
	"He": 3.016029,
	"Li": 6.015122,
	"Be": 9.012182,
	"B":  10.012937,
	"C":  MassC,
	"N":  MassN,
	"O":  MassO,
	"F":  18.9984032,
	"Ne": 19.992440,
	"Na": MassNa,
	"Mg": 23.985042,
	"Al": 26.981538,
	"Si": 27.976927,
	"P":  MassP,
	"S":  MassS,
	"Cl": MassCl,
	"Ar": 35.967546,
	"K":  MassK,
	"Ca": 39.962591,
	"Sc": 44.955910,
	"Ti": 45.952629,
	"V":  49.947163,
	"Cr": 49.946050,
	"Mn": 54.938050,
	"Fe": 53.939615,
	"Co": 58.933200,
	"Ni": 57.935348,
	"Cu": 62.929601,
	"Zn": 63.929147,
	"Ga": 68.925581,
	"Ge": 69.924250,
	"As": 74.921596,
	"Se": 73.922477,
	"Br": 78.9183376,
	"Kr": 77.920386,
	"Rb": 84.911789,
	"Sr": 83.913425,
	"Y":  88.905848,
	"Zr": 89.904704,
	"Nb": 92.906378,
	"Mo": 91.906810,
	"Tc": 97.907216,
	"Ru": 95.907598,
	"Rh": 102.905504,
	"Pd": 101.905608,
	"Ag": 106.905093,
	"Cd": 105.906458,
	"In": 112.904061,
	"Sn": 111.904821,
	"Sb": 120.903818,
	"Te": 119.904020,
	"I":  126.904468,
	"Xe": 123.905896,
	"Cs": 132.905447,
	"Ba": 129.906310,
	"La": 137.907107,
	"Ce": 135.907144,
	"Pr": 140.907648,
	"Nd": 141.907719,
	"Pm": 144.912744,
	"Sm": 143.911995,
	"Eu": 150.919846,
	"Gd": 151.919788,
	"Tb": 158.925343,
	"Dy": 155.924278,
	"Ho": 164.930319,
	"Er": 161.928775,
	"Tm": 168.934211,
	"Yb": 167.933894,
	"Lu": 174.940768,
	"Hf": 173.940040,
	"Ta": 179.947466,
	"W":  179.946706,
	"Re": 184.952956,
	"Os": 183.952491,
	"Ir": 190.960591,
	"Pt": 189.959930,
	"Au": 196.966552,
	"Hg": 195.965815,
	"Tl": 202.972329,
	"Pb": 203.973029,
	"Bi": 208.980383,
}

// MassFromFormula computes the monoisotopic mass of an elemental formula
// such as "C6H12O6". Two-letter symbols take precedence over one-letter ones.
func MassFromFormula(formula string) (float64, error) {
	mass := 0.0
	form := formula

	for len(form) > 0 {
		var m float64
		var ok bool

		if len(form) >= 2 {
			m, ok = ElementMasses[form[:2]]
			if ok {
				form = form[2:]
			}
		}
		if !ok {
			m, ok = ElementMasses[form[:1]]
			if !ok {
				return 0, fmt.Errorf("element not allowed in formula %q at %q", formula, form)
			}
			form = form[1:]
		}

		x := 0
		for x < len(form) && form[x] >= '0' && form[x] <= '9' {
			x++
		}

		n := 1
		if x > 0 {
			var err error
			n, err = strconv.Atoi(form[:x])
			if err != nil {
				return 0, fmt.Errorf("invalid element count in formula %q: %w", formula, err)
			}
		}

		mass += m * float64(n)
		form = form[x:]
	}

	return mass, nil
}

// ToleranceWindow returns the open m/z interval accepted around mz for a
// relative precision factor (1 + ppm/1e6) and an absolute tolerance. The
// wider of the two bounds is taken on each side.
func ToleranceWindow(mz, precision, abs float64) (low, high float64) {
	low = math.Min(mz/precision, mz-abs)
	high = math.Max(mz*precision, mz+abs)
	return low, high
}

// PrecisionFactor converts a ppm tolerance to the multiplicative factor used
// by ToleranceWindow.
func PrecisionFactor(ppm float64) float64 {
	return 1 + ppm/1e6
}

// RoundFloat rounds a float to n decimal places
func RoundFloat(val float64, precision int) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// Tolerance is a combined relative and absolute m/z tolerance.
type Tolerance struct {
	PPM float64 // relative, parts per million
	Abs float64 // absolute, Da
}

// Window returns the open interval accepted around mz.
func (t Tolerance) Window(mz float64) (low, high float64) {
	return ToleranceWindow(mz, PrecisionFactor(t.PPM), t.Abs)
}
