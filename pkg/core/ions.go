package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Ionisation modes
const (
	PositiveMode = 1
	NegativeMode = -1
)

// adductMasses lists the adduct mass shifts allowed in each ionisation mode.
var adductMasses = map[int]map[string]float64{
	PositiveMode: {
		"+H":   MassH,
		"+NH4": MassN + 4*MassH,
		"+Na":  MassNa,
		"-OH":  -(MassO + MassH),
		"+K":   MassK,
	},
	NegativeMode: {
		"-H":  -MassH,
		"+Cl": MassCl,
	},
}

// Ion is one adduct combination of a given charge, e.g. [M+H]+ or [M+2Na]2+.
type Ion struct {
	Mass   float64 // total adduct mass shift
	Label  string
	Charge int
}

// IonTable holds the ions per charge state; index 0 is the uncharged
// combination used for molecules that carry an intrinsic charge.
type IonTable [][]Ion

// MaxCharge returns the highest charge state in the table.
func (t IonTable) MaxCharge() int {
	return len(t) - 1
}

// ForCharge returns the ions with the given charge, or nil if out of range.
func (t IonTable) ForCharge(charge int) []Ion {
	if charge < 0 || charge >= len(t) {
		return nil
	}
	return t[charge]
}

// AdductTypes returns the adduct types for an ionisation mode. The default
// protonation / deprotonation is always included unless force is set.
// Extra adducts are given without sign ("Na,K,NH4,OH").
func AdductTypes(mode int, adducts string, force bool) ([]string, error) {
	var types []string
	switch mode {
	case PositiveMode:
		types = []string{"+H"}
	case NegativeMode:
		types = []string{"-H"}
	default:
		return nil, &ConfigurationError{Field: "ionisation_mode", Message: fmt.Sprintf("invalid ionisation mode %d, must be 1 or -1", mode)}
	}

	if adducts == "" {
		return types, nil
	}

	if force {
		types = nil
	}
	for _, a := range strings.Split(adducts, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "OH" {
			types = append(types, "-OH")
		} else {
			types = append(types, "+"+a)
		}
	}

	return types, nil
}

// GenerateIons combines adduct types up to maxCharge. Combinations that end
// up with the same total mass are kept once, under the first label found.
func GenerateIons(mode int, adductTypes []string, maxCharge int) (IonTable, error) {
	masses, ok := adductMasses[mode]
	if !ok {
		return nil, &ConfigurationError{Field: "ionisation_mode", Message: fmt.Sprintf("invalid ionisation mode %d, must be 1 or -1", mode)}
	}
	if maxCharge < 1 {
		return nil, &ConfigurationError{Field: "max_charge", Message: fmt.Sprintf("max charge must be at least 1, got %d", maxCharge)}
	}
	if len(adductTypes) == 0 {
		return nil, &ConfigurationError{Field: "adducts", Message: "no adduct types selected"}
	}

	for _, a := range adductTypes {
		if _, ok := masses[a]; !ok {
			return nil, &ConfigurationError{Field: "adducts", Message: fmt.Sprintf("invalid adduct %s for ionisation mode %d", a, mode)}
		}
	}

	raw := make([][]Ion, maxCharge+1)
	raw[0] = []Ion{{Mass: 0, Label: "", Charge: 0}}

	for c := 0; c < maxCharge; c++ {
		seen := make(map[float64]bool)
		for _, base := range raw[c] {
			for _, a := range adductTypes {
				m := base.Mass + masses[a]
				if seen[m] {
					continue
				}
				seen[m] = true
				raw[c+1] = append(raw[c+1], Ion{Mass: m, Label: base.Label + a, Charge: c + 1})
			}
		}
	}

	polarity := "+"
	if mode < 0 {
		polarity = "-"
	}

	table := make(IonTable, maxCharge+1)
	for c := range raw {
		for _, ion := range raw[c] {
			label := "[M" + ion.Label + "]"
			if c > 1 {
				label += strconv.Itoa(c)
			}
			ion.Label = label + polarity
			table[c] = append(table[c], ion)
		}
	}

	return table, nil
}

// FragmentIonLabel returns the label of a fragment ion with hydrogen shift
// h, e.g. "[X+H]+", "[X]+", "[X-2H]-".
func FragmentIonLabel(h int, mode int) string {
	var b strings.Builder
	b.WriteString("[X")
	if h > 0 {
		b.WriteByte('+')
	} else if h < 0 {
		b.WriteByte('-')
	}
	abs := h
	if abs < 0 {
		abs = -abs
	}
	if abs >= 2 {
		b.WriteString(strconv.Itoa(abs))
	}
	if h != 0 {
		b.WriteByte('H')
	}
	b.WriteByte(']')
	if mode > 0 {
		b.WriteByte('+')
	} else if mode < 0 {
		b.WriteByte('-')
	}
	return b.String()
}

// IonCharge extracts the charge state from an ion label such as "[M+2H]2+".
func IonCharge(label string) int {
	if len(label) >= 2 {
		d := label[len(label)-2]
		if d >= '1' && d <= '9' {
			return int(d - '0')
		}
	}
	return 1
}
