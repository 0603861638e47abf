// Package fragment enumerates the substructures of a candidate molecule that
// can be reached by breaking a bounded number of bonds, and answers mass range
// queries over their hydrogen-shifted neutral masses.
package fragment

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/tidwall/btree"

	"github.com/ChrisMcGann/FragKey/pkg/core"
)

// ErrUnusableMolecule is returned when a topology cannot be fragmented.
var ErrUnusableMolecule = errors.New("unusable molecule")

// DefaultAcceptSlack is added to the missing fragment penalty to form the
// admission threshold for fragment scores.
const DefaultAcceptSlack = 5.0

// fastMaxAtoms is the largest molecule the single-word enumerator handles.
const fastMaxAtoms = 64

// Options controls enumeration and the layout of the mass table.
type Options struct {
	MaxBrokenBonds         int
	MaxWaterLosses         int
	IonMode                int // core.PositiveMode or core.NegativeMode
	MolCharge              int // 1 for molecules carrying the ionising charge, else 0
	SkipFragmentation      bool
	Fast                   bool
	MissingFragmentPenalty float64
	AcceptSlack            float64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxBrokenBonds:         3,
		MaxWaterLosses:         1,
		IonMode:                core.PositiveMode,
		MissingFragmentPenalty: core.DefaultMissingFragmentPenalty,
		AcceptSlack:            DefaultAcceptSlack,
	}
}

// Fragment is an admitted substructure.
type Fragment struct {
	Atoms  *bitset.BitSet
	Score  int // summed weight of broken bonds
	Breaks int
	Mass   float64 // neutral mass without hydrogen shift
}

// Match is one mass table cell that fell inside a query window.
type Match struct {
	Row      int
	Fragment *bitset.BitSet
	Score    int
	Breaks   int
	Mass     float64 // neutral mass without hydrogen shift
	Shift    int     // hydrogen shift of the matching cell
	CellMass float64
}

// Info describes the atoms of a fragment.
type Info struct {
	Atoms      []int
	AtomString string
	Formula    string
	Identifier string
}

type bond struct {
	a1, a2 int
	weight int
}

type cell struct {
	mass     float64
	row, col int
}

func cellLess(a, b cell) bool {
	if a.mass != b.mass {
		return a.mass < b.mass
	}
	if a.row != b.row {
		return a.row < b.row
	}
	return a.col < b.col
}

// Engine holds the fragments and mass table of one candidate molecule. It is
// not safe for concurrent use.
type Engine struct {
	opts Options
	topo Topology

	natoms      int
	atomMasses  []float64
	neighbours  [][]int
	bonds       []bond
	neutralLoss []int

	fragments []Fragment
	width     int
	offset    int
	table     []float64 // len(fragments) rows of width cells, 0 for unset
	index     *btree.BTreeG[cell]
	generated bool
}

// New prepares an engine for topo. It fails with ErrUnusableMolecule when the
// topology is missing, has no atoms, or uses an unknown bond type.
func New(topo Topology, opts Options) (*Engine, error) {
	if topo == nil {
		return nil, fmt.Errorf("%w: no topology", ErrUnusableMolecule)
	}
	n := topo.NumAtoms()
	if n == 0 {
		return nil, fmt.Errorf("%w: no atoms", ErrUnusableMolecule)
	}
	if opts.IonMode != core.PositiveMode && opts.IonMode != core.NegativeMode {
		return nil, &core.ConfigurationError{Field: "IonMode", Message: fmt.Sprintf("must be 1 or -1, got %d", opts.IonMode)}
	}
	if opts.MaxBrokenBonds < 0 || opts.MaxWaterLosses < 0 {
		return nil, &core.ConfigurationError{Field: "MaxBrokenBonds", Message: "bond breaks and water losses must be non-negative"}
	}

	e := &Engine{
		opts:       opts,
		topo:       topo,
		natoms:     n,
		atomMasses: make([]float64, n),
		neighbours: make([][]int, n),
	}
	k := opts.MaxBrokenBonds + opts.MaxWaterLosses
	e.width = 2*k + 1
	e.offset = opts.IonMode * (1 - opts.MolCharge)

	for i := 0; i < n; i++ {
		e.atomMasses[i] = topo.AtomMass(i)
		if isNeutralLossSite(topo, i) {
			e.neutralLoss = append(e.neutralLoss, i)
		}
	}

	for i := 0; i < topo.NumBonds(); i++ {
		a1, a2 := topo.BondAtoms(i)
		if a1 < 0 || a1 >= n || a2 < 0 || a2 >= n {
			return nil, fmt.Errorf("%w: bond %d has endpoints %d-%d", ErrUnusableMolecule, i, a1, a2)
		}
		w, ok := bondWeight(topo.BondOrder(i), topo.AtomSymbol(a1), topo.AtomSymbol(a2))
		if !ok {
			return nil, fmt.Errorf("%w: bond %d has unsupported type %d", ErrUnusableMolecule, i, topo.BondOrder(i))
		}
		e.neighbours[a1] = append(e.neighbours[a1], a2)
		e.neighbours[a2] = append(e.neighbours[a2], a1)
		e.bonds = append(e.bonds, bond{a1: a1, a2: a2, weight: w})
	}

	return e, nil
}

// NumAtoms returns the number of heavy atoms of the molecule.
func (e *Engine) NumAtoms() int { return e.natoms }

// enumerator selects the set representation for this molecule.
func (e *Engine) enumerator() Enumerator {
	if e.opts.Fast && e.natoms <= fastMaxAtoms {
		return fastEnumerator{}
	}
	return generalEnumerator{}
}

// GenerateFragments enumerates all admitted fragments and builds the mass
// table. It returns the fragment count. Calling it again is a no-op.
func (e *Engine) GenerateFragments() int {
	if e.generated {
		return len(e.fragments)
	}
	e.fragments = e.enumerator().Enumerate(e)
	e.buildTable()
	e.generated = true
	return len(e.fragments)
}

// Fragments returns the admitted fragments in discovery order.
func (e *Engine) Fragments() []Fragment { return e.fragments }

// Width returns the number of hydrogen shift columns per mass table row.
func (e *Engine) Width() int { return e.width }

// Cell returns the mass table entry at row, col; 0 means unset.
func (e *Engine) Cell(row, col int) float64 { return e.table[row*e.width+col] }

// Shift returns the hydrogen shift represented by column col.
func (e *Engine) Shift(col int) int {
	return e.offset + col - (e.opts.MaxBrokenBonds + e.opts.MaxWaterLosses)
}

func (e *Engine) accept(score int) bool {
	return float64(score) < e.opts.MissingFragmentPenalty+e.opts.AcceptSlack
}

func (e *Engine) buildTable() {
	k := e.opts.MaxBrokenBonds + e.opts.MaxWaterLosses
	e.table = make([]float64, len(e.fragments)*e.width)
	e.index = btree.NewBTreeG[cell](cellLess)

	for row, f := range e.fragments {
		cells := e.table[row*e.width : (row+1)*e.width]
		for col := k - f.Breaks; col <= k+f.Breaks; col++ {
			if col < 0 || col >= e.width {
				continue
			}
			cells[col] = f.Mass + float64(e.Shift(col))*core.MassH
		}
		if col := k - e.opts.IonMode; f.Breaks == 0 && col >= 0 && col < e.width {
			cells[col] = f.Mass
		}
		for col, m := range cells {
			if m != 0 {
				e.index.Set(cell{mass: m, row: row, col: col})
			}
		}
	}
}

// FindFragments returns every mass table cell strictly inside the tolerance
// window around mass, ordered by row then column. Callers apply any subset
// constraint themselves.
func (e *Engine) FindFragments(mass float64, tol core.Tolerance) []Match {
	if !e.generated {
		return nil
	}
	low, high := tol.Window(mass)

	var cells []cell
	e.index.Ascend(cell{mass: low, row: -1}, func(c cell) bool {
		if c.mass >= high {
			return false
		}
		if c.mass > low {
			cells = append(cells, c)
		}
		return true
	})
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].row != cells[j].row {
			return cells[i].row < cells[j].row
		}
		return cells[i].col < cells[j].col
	})

	matches := make([]Match, 0, len(cells))
	for _, c := range cells {
		f := e.fragments[c.row]
		matches = append(matches, Match{
			Row:      c.row,
			Fragment: f.Atoms,
			Score:    f.Score,
			Breaks:   f.Breaks,
			Mass:     f.Mass,
			Shift:    e.Shift(c.col),
			CellMass: c.mass,
		})
	}
	return matches
}

// ScoreFragment returns the break count and summed weight of bonds with
// exactly one endpoint in frag.
func (e *Engine) ScoreFragment(frag *bitset.BitSet) (breaks, score int) {
	for _, b := range e.bonds {
		if frag.Test(uint(b.a1)) != frag.Test(uint(b.a2)) {
			breaks++
			score += b.weight
		}
	}
	return breaks, score
}

// ScoreRelativeToParent sums the weights of bonds cut when frag is split off
// from parent: one endpoint in frag and both endpoints in parent.
func (e *Engine) ScoreRelativeToParent(frag, parent *bitset.BitSet) int {
	score := 0
	for _, b := range e.bonds {
		in1, in2 := frag.Test(uint(b.a1)), frag.Test(uint(b.a2))
		if in1 != in2 && parent.Test(uint(b.a1)) && parent.Test(uint(b.a2)) {
			score += b.weight
		}
	}
	return score
}

// FragmentMass returns the summed atom masses of frag.
func (e *Engine) FragmentMass(frag *bitset.BitSet) float64 {
	mass := 0.0
	for i, ok := frag.NextSet(0); ok; i, ok = frag.NextSet(i + 1) {
		if int(i) < e.natoms {
			mass += e.atomMasses[i]
		}
	}
	return mass
}

// FragmentInfo lists the atoms of frag with their formula and identifier.
func (e *Engine) FragmentInfo(frag *bitset.BitSet) Info {
	var atoms []int
	var parts []string
	for i, ok := frag.NextSet(0); ok; i, ok = frag.NextSet(i + 1) {
		if int(i) >= e.natoms {
			break
		}
		atoms = append(atoms, int(i))
		parts = append(parts, strconv.Itoa(int(i)))
	}
	return Info{
		Atoms:      atoms,
		AtomString: strings.Join(parts, ","),
		Formula:    e.topo.Formula(atoms),
		Identifier: e.topo.Identifier(atoms),
	}
}

// WholeMolecule returns the fragment containing every atom.
func (e *Engine) WholeMolecule() *bitset.BitSet {
	b := bitset.New(uint(e.natoms))
	for i := 0; i < e.natoms; i++ {
		b.Set(uint(i))
	}
	return b
}
