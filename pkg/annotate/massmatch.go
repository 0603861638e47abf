package annotate

import (
	"strings"

	"github.com/ChrisMcGann/FragKey/pkg/core"
)

// MassMatch finds the first ion, by ascending charge and table order, that
// places a molecule of monoisotopic mass mim inside the tolerance window of
// peak. molCharge shifts the ion table for molecules that are charged
// already.
func MassMatch(peak *core.Peak, mim float64, molCharge int, ions core.IonTable, tol core.Tolerance, ionMode int) (core.Ion, bool) {
	low, high := tol.Window(peak.MZ)
	for charge := 1; charge <= ions.MaxCharge(); charge++ {
		for _, ion := range ions.ForCharge(charge - molCharge) {
			mz := (mim+ion.Mass)/float64(charge) - float64(ionMode)*core.ElectronMass
			if low <= mz && mz <= high {
				return ion, true
			}
		}
	}
	return core.Ion{}, false
}

// MolCharge returns 1 when the molecular formula carries a charge of the
// ionisation mode's polarity, e.g. "C5H12N+" in positive mode.
func MolCharge(formula string, ionMode int) int {
	switch {
	case ionMode == core.PositiveMode && strings.HasSuffix(formula, "+"):
		return 1
	case ionMode == core.NegativeMode && strings.HasSuffix(formula, "-"):
		return 1
	}
	return 0
}
