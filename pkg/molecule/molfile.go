package molecule

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a molfile that cannot be turned into a heavy-atom graph.
type ParseError struct {
	Line    int // 1-based line in the molblock, 0 if not line specific
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("molfile line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("molfile: %s", e.Message)
}

// mdlCharges maps the atom block charge field to a formal charge.
var mdlCharges = map[int]int{0: 0, 1: 3, 2: 2, 3: 1, 5: -1, 6: -2, 7: -3}

type rawAtom struct {
	symbol    string
	charge    int
	hydrogens int
	bondSum   float64
	index     int // heavy atom index, -1 for hydrogens
}

// Parse reads an MDL V2000 molblock. Hydrogen atoms are removed and counted
// on their heavy neighbour; remaining valences are filled with implicit
// hydrogens.
func Parse(molblock string) (*Molecule, error) {
	lines := strings.Split(strings.ReplaceAll(molblock, "\r\n", "\n"), "\n")
	if len(lines) < 4 {
		return nil, &ParseError{Message: "molblock is shorter than its header"}
	}

	name := strings.TrimSpace(lines[0])
	counts := lines[3]
	if strings.Contains(counts, "V3000") {
		return nil, &ParseError{Line: 4, Message: "V3000 molfiles are not supported"}
	}

	natoms, err := fixedInt(counts, 0, 3)
	if err != nil {
		return nil, &ParseError{Line: 4, Message: fmt.Sprintf("invalid atom count: %v", err)}
	}
	nbonds, err := fixedInt(counts, 3, 6)
	if err != nil {
		return nil, &ParseError{Line: 4, Message: fmt.Sprintf("invalid bond count: %v", err)}
	}
	if natoms == 0 {
		return nil, &ParseError{Line: 4, Message: "molecule has no atoms"}
	}
	if len(lines) < 4+natoms+nbonds {
		return nil, &ParseError{Message: fmt.Sprintf("expected %d atom and %d bond lines", natoms, nbonds)}
	}

	raw := make([]rawAtom, natoms)
	for i := 0; i < natoms; i++ {
		lineNum := 5 + i
		a, err := parseAtomLine(lines[4+i])
		if err != nil {
			return nil, &ParseError{Line: lineNum, Message: err.Error()}
		}
		raw[i] = a
	}

	type rawBond struct{ a1, a2, order int }
	bonds := make([]rawBond, 0, nbonds)
	for i := 0; i < nbonds; i++ {
		lineNum := 5 + natoms + i
		b, err := parseBondLine(lines[4+natoms+i], natoms)
		if err != nil {
			return nil, &ParseError{Line: lineNum, Message: err.Error()}
		}
		bonds = append(bonds, rawBond{b.A1, b.A2, b.Order})
	}

	// M  CHG lines supersede the atom block charges
	chargeOverride := false
	for i := 4 + natoms + nbonds; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(line, "M  END") {
			break
		}
		if !strings.HasPrefix(line, "M  CHG") {
			continue
		}
		if !chargeOverride {
			for j := range raw {
				raw[j].charge = 0
			}
			chargeOverride = true
		}
		fields := strings.Fields(line[6:])
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || len(fields) < 1+2*n {
			return nil, &ParseError{Line: i + 1, Message: "malformed M  CHG line"}
		}
		for k := 0; k < n; k++ {
			idx, err1 := strconv.Atoi(fields[1+2*k])
			chg, err2 := strconv.Atoi(fields[2+2*k])
			if err1 != nil || err2 != nil || idx < 1 || idx > natoms {
				return nil, &ParseError{Line: i + 1, Message: "malformed M  CHG entry"}
			}
			raw[idx-1].charge = chg
		}
	}

	heavy := 0
	for i := range raw {
		if raw[i].symbol == "H" {
			raw[i].index = -1
			continue
		}
		raw[i].index = heavy
		heavy++
	}
	if heavy == 0 {
		return nil, &ParseError{Message: "molecule has no heavy atoms"}
	}

	var heavyBonds []Bond
	for _, b := range bonds {
		h1, h2 := raw[b.a1].index < 0, raw[b.a2].index < 0
		switch {
		case h1 && h2:
			continue
		case h1:
			raw[b.a2].hydrogens++
		case h2:
			raw[b.a1].hydrogens++
		default:
			raw[b.a1].bondSum += bondValence(b.order)
			raw[b.a2].bondSum += bondValence(b.order)
			heavyBonds = append(heavyBonds, Bond{A1: raw[b.a1].index, A2: raw[b.a2].index, Order: b.order})
		}
	}

	atoms := make([]Atom, 0, heavy)
	for _, a := range raw {
		if a.index < 0 {
			continue
		}
		h := a.hydrogens + implicitHydrogens(a.symbol, a.charge, a.bondSum+float64(a.hydrogens))
		atoms = append(atoms, Atom{Symbol: a.symbol, Charge: a.charge, Hydrogens: h})
	}

	return New(name, atoms, heavyBonds)
}

func parseAtomLine(line string) (rawAtom, error) {
	var a rawAtom

	if len(line) >= 34 {
		a.symbol = strings.TrimSpace(line[31:34])
		code, err := fixedInt(line, 36, 39)
		if err != nil {
			return a, fmt.Errorf("invalid charge field: %w", err)
		}
		// code 4 is a doublet radical and carries no charge
		a.charge = mdlCharges[code]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return a, fmt.Errorf("atom line has %d fields, want at least 4", len(fields))
		}
		a.symbol = fields[3]
	}

	switch a.symbol {
	case "":
		return a, fmt.Errorf("atom line has no element symbol")
	case "D", "T":
		a.symbol = "H"
	}
	return a, nil
}

func parseBondLine(line string, natoms int) (Bond, error) {
	var b Bond
	var err error

	if len(line) >= 9 {
		if b.A1, err = fixedInt(line, 0, 3); err != nil {
			return b, fmt.Errorf("invalid first atom: %w", err)
		}
		if b.A2, err = fixedInt(line, 3, 6); err != nil {
			return b, fmt.Errorf("invalid second atom: %w", err)
		}
		if b.Order, err = fixedInt(line, 6, 9); err != nil {
			return b, fmt.Errorf("invalid bond type: %w", err)
		}
	} else {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return b, fmt.Errorf("bond line has %d fields, want at least 3", len(fields))
		}
		vals := make([]int, 3)
		for i := range vals {
			if vals[i], err = strconv.Atoi(fields[i]); err != nil {
				return b, fmt.Errorf("invalid bond field %q: %w", fields[i], err)
			}
		}
		b.A1, b.A2, b.Order = vals[0], vals[1], vals[2]
	}

	if b.A1 < 1 || b.A1 > natoms || b.A2 < 1 || b.A2 > natoms {
		return b, fmt.Errorf("bond references atom outside 1..%d", natoms)
	}
	if b.Order < BondSingle || b.Order > BondAromatic {
		return b, fmt.Errorf("unsupported bond type %d", b.Order)
	}
	b.A1--
	b.A2--
	return b, nil
}

// fixedInt parses the fixed-width column line[start:end]; blank is zero.
func fixedInt(line string, start, end int) (int, error) {
	if start >= len(line) {
		return 0, nil
	}
	if end > len(line) {
		end = len(line)
	}
	s := strings.TrimSpace(line[start:end])
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
