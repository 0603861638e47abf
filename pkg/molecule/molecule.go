// Package molecule provides the heavy-atom topology of candidate structures
// parsed from MDL molfiles, along with formula and identifier derivation for
// arbitrary atom subsets.
package molecule

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ChrisMcGann/FragKey/pkg/core"
)

// MDL bond type codes
const (
	BondSingle   = 1
	BondDouble   = 2
	BondTriple   = 3
	BondAromatic = 4
)

// identifierLength matches the connectivity block length of an InChIKey.
const identifierLength = 14

// Atom is one heavy atom with its attached hydrogens folded in.
type Atom struct {
	Symbol    string
	Charge    int
	Hydrogens int // implicit + explicit hydrogens
	Mass      float64
}

// Bond connects two heavy atoms.
type Bond struct {
	A1, A2 int
	Order  int // MDL bond type code
}

// Molecule is an immutable heavy-atom graph.
type Molecule struct {
	Name       string
	atoms      []Atom
	bonds      []Bond
	neighbours [][]int // atom -> bond indices
}

// New builds a molecule from heavy atoms and bonds. Atom masses are filled in
// from the element table when zero.
func New(name string, atoms []Atom, bonds []Bond) (*Molecule, error) {
	m := &Molecule{
		Name:       name,
		atoms:      make([]Atom, len(atoms)),
		bonds:      make([]Bond, len(bonds)),
		neighbours: make([][]int, len(atoms)),
	}
	copy(m.atoms, atoms)
	copy(m.bonds, bonds)

	for i := range m.atoms {
		a := &m.atoms[i]
		em, ok := core.ElementMasses[a.Symbol]
		if !ok {
			return nil, &ParseError{Message: fmt.Sprintf("unknown element %q", a.Symbol)}
		}
		if a.Mass == 0 {
			a.Mass = em + float64(a.Hydrogens)*core.MassH
		}
	}

	for i, b := range m.bonds {
		if b.A1 < 0 || b.A1 >= len(atoms) || b.A2 < 0 || b.A2 >= len(atoms) || b.A1 == b.A2 {
			return nil, &ParseError{Message: fmt.Sprintf("bond %d has invalid endpoints %d-%d", i+1, b.A1+1, b.A2+1)}
		}
		if b.Order < BondSingle || b.Order > BondAromatic {
			return nil, &ParseError{Message: fmt.Sprintf("bond %d has unsupported type %d", i+1, b.Order)}
		}
		m.neighbours[b.A1] = append(m.neighbours[b.A1], i)
		m.neighbours[b.A2] = append(m.neighbours[b.A2], i)
	}

	return m, nil
}

// NumAtoms returns the number of heavy atoms.
func (m *Molecule) NumAtoms() int { return len(m.atoms) }

// NumBonds returns the number of bonds between heavy atoms.
func (m *Molecule) NumBonds() int { return len(m.bonds) }

// Atom returns heavy atom i.
func (m *Molecule) Atom(i int) Atom { return m.atoms[i] }

func (m *Molecule) AtomSymbol(i int) string { return m.atoms[i].Symbol }

// AtomMass returns the mass of atom i including its hydrogens.
func (m *Molecule) AtomMass(i int) float64 { return m.atoms[i].Mass }

func (m *Molecule) AtomHydrogens(i int) int { return m.atoms[i].Hydrogens }

// AtomBondCount returns the number of heavy-atom bonds of atom i.
func (m *Molecule) AtomBondCount(i int) int { return len(m.neighbours[i]) }

// BondAtoms returns the endpoints of bond i.
func (m *Molecule) BondAtoms(i int) (int, int) { return m.bonds[i].A1, m.bonds[i].A2 }

// BondOrder returns the MDL type code of bond i.
func (m *Molecule) BondOrder(i int) int { return m.bonds[i].Order }

// Charge returns the net formal charge.
func (m *Molecule) Charge() int {
	c := 0
	for _, a := range m.atoms {
		c += a.Charge
	}
	return c
}

// MonoisotopicMass returns the summed mass of all atoms and hydrogens,
// without electron correction for charged molecules.
func (m *Molecule) MonoisotopicMass() float64 {
	mass := 0.0
	for _, a := range m.atoms {
		mass += a.Mass
	}
	return mass
}

// MolecularFormula returns the Hill formula of the whole molecule with a
// charge suffix for charged molecules, e.g. "C5H12N+".
func (m *Molecule) MolecularFormula() string {
	f := m.Formula(m.allAtoms())
	switch c := m.Charge(); {
	case c == 1:
		f += "+"
	case c == -1:
		f += "-"
	case c > 1:
		f += strconv.Itoa(c) + "+"
	case c < -1:
		f += strconv.Itoa(-c) + "-"
	}
	return f
}

// StructureIdentifier returns the identifier of the whole molecule.
func (m *Molecule) StructureIdentifier() string {
	return m.Identifier(m.allAtoms())
}

func (m *Molecule) allAtoms() []int {
	atoms := make([]int, len(m.atoms))
	for i := range atoms {
		atoms[i] = i
	}
	return atoms
}

// Formula returns the Hill-ordered elemental formula of the atom subset.
func (m *Molecule) Formula(atoms []int) string {
	counts := make(map[string]int)
	for _, i := range atoms {
		a := m.atoms[i]
		counts[a.Symbol]++
		counts["H"] += a.Hydrogens
	}
	return HillFormula(counts)
}

// HillFormula orders element counts C first, H second, then alphabetically;
// without carbon all elements are alphabetical.
func HillFormula(counts map[string]int) string {
	var symbols []string
	for s, n := range counts {
		if n > 0 {
			symbols = append(symbols, s)
		}
	}

	hasC := counts["C"] > 0
	rank := func(s string) int {
		if !hasC {
			return 2
		}
		switch s {
		case "C":
			return 0
		case "H":
			return 1
		}
		return 2
	}
	sort.Slice(symbols, func(i, j int) bool {
		ri, rj := rank(symbols[i]), rank(symbols[j])
		if ri != rj {
			return ri < rj
		}
		return symbols[i] < symbols[j]
	})

	var b strings.Builder
	for _, s := range symbols {
		b.WriteString(s)
		if n := counts[s]; n > 1 {
			b.WriteString(strconv.Itoa(n))
		}
	}
	return b.String()
}

// Identifier returns a 14 character key for the substructure induced by the
// atom subset. It is invariant under atom renumbering: labels are refined
// over the subset's bonds until the partition stops splitting and the sorted
// labels plus labelled edges are hashed.
func (m *Molecule) Identifier(atoms []int) string {
	in := make(map[int]bool, len(atoms))
	for _, a := range atoms {
		in[a] = true
	}

	labels := make(map[int]string, len(atoms))
	for _, i := range atoms {
		a := m.atoms[i]
		degree := 0
		for _, b := range m.neighbours[i] {
			if in[m.other(b, i)] {
				degree++
			}
		}
		labels[i] = fmt.Sprintf("%s|%d|%d|%d", a.Symbol, a.Hydrogens, a.Charge, degree)
	}

	classes := distinct(labels)
	for round := 0; round < len(atoms); round++ {
		next := make(map[int]string, len(atoms))
		for _, i := range atoms {
			var env []string
			for _, b := range m.neighbours[i] {
				j := m.other(b, i)
				if !in[j] {
					continue
				}
				env = append(env, strconv.Itoa(m.bonds[b].Order)+labels[j])
			}
			sort.Strings(env)
			next[i] = shortHash(labels[i] + "(" + strings.Join(env, ",") + ")")
		}
		labels = next
		n := distinct(labels)
		if n == classes {
			break
		}
		classes = n
	}

	var parts []string
	for _, i := range atoms {
		parts = append(parts, labels[i])
	}
	sort.Strings(parts)

	var edges []string
	for _, b := range m.bonds {
		if in[b.A1] && in[b.A2] {
			l1, l2 := labels[b.A1], labels[b.A2]
			if l2 < l1 {
				l1, l2 = l2, l1
			}
			edges = append(edges, l1+strconv.Itoa(b.Order)+l2)
		}
	}
	sort.Strings(edges)

	sum := sha256.Sum256([]byte(strings.Join(parts, ";") + "#" + strings.Join(edges, ";")))
	key := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	return key[:identifierLength]
}

func (m *Molecule) other(bond, atom int) int {
	b := m.bonds[bond]
	if b.A1 == atom {
		return b.A2
	}
	return b.A1
}

func distinct(labels map[int]string) int {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		seen[l] = true
	}
	return len(seen)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum[:8])
}

// defaultValences lists allowed valences per element, lowest first.
var defaultValences = map[string][]int{
	"B":  {3},
	"C":  {4},
	"N":  {3, 5},
	"O":  {2},
	"F":  {1},
	"Si": {4},
	"P":  {3, 5},
	"S":  {2, 4, 6},
	"Cl": {1},
	"Se": {2, 4, 6},
	"Br": {1},
	"I":  {1},
}

// implicitHydrogens fills the valence of an atom with hydrogens given the
// sum of its bond orders (aromatic bonds count 1.5).
func implicitHydrogens(symbol string, charge int, bondSum float64) int {
	valences, ok := defaultValences[symbol]
	if !ok {
		return 0
	}

	used := int(math.Round(bondSum))
	for _, v := range valences {
		switch symbol {
		case "N", "P", "O", "S", "Se":
			v += charge
		default:
			if charge < 0 {
				v += charge
			} else {
				v -= charge
			}
		}
		if v >= used {
			return v - used
		}
	}
	return 0
}

func bondValence(order int) float64 {
	if order == BondAromatic {
		return 1.5
	}
	return float64(order)
}
