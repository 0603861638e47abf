package fragment

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChrisMcGann/FragKey/pkg/core"
)

type testAtom struct {
	symbol    string
	hydrogens int
}

type testTopology struct {
	atoms []testAtom
	bonds [][3]int // a1, a2, MDL type
}

func (t *testTopology) NumAtoms() int           { return len(t.atoms) }
func (t *testTopology) NumBonds() int           { return len(t.bonds) }
func (t *testTopology) AtomSymbol(i int) string { return t.atoms[i].symbol }
func (t *testTopology) AtomHydrogens(i int) int { return t.atoms[i].hydrogens }
func (t *testTopology) BondOrder(i int) int     { return t.bonds[i][2] }

func (t *testTopology) AtomMass(i int) float64 {
	return core.ElementMasses[t.atoms[i].symbol] + float64(t.atoms[i].hydrogens)*core.MassH
}

func (t *testTopology) AtomBondCount(i int) int {
	n := 0
	for _, b := range t.bonds {
		if b[0] == i || b[1] == i {
			n++
		}
	}
	return n
}

func (t *testTopology) BondAtoms(i int) (int, int) { return t.bonds[i][0], t.bonds[i][1] }

func (t *testTopology) Formula(atoms []int) string {
	var b strings.Builder
	for _, a := range atoms {
		b.WriteString(t.atoms[a].symbol)
	}
	return b.String()
}

func (t *testTopology) Identifier(atoms []int) string {
	parts := make([]string, len(atoms))
	for i, a := range atoms {
		parts[i] = strconv.Itoa(a)
	}
	return "id:" + strings.Join(parts, "-")
}

// propane is a linear chain C0-C1-C2.
func propane() *testTopology {
	return &testTopology{
		atoms: []testAtom{{"C", 3}, {"C", 2}, {"C", 3}},
		bonds: [][3]int{{0, 1, 1}, {1, 2, 1}},
	}
}

// ethanol is C0-C1-O2 with a hydroxyl hydrogen on O2.
func ethanol() *testTopology {
	return &testTopology{
		atoms: []testAtom{{"C", 3}, {"C", 2}, {"O", 1}},
		bonds: [][3]int{{0, 1, 1}, {1, 2, 1}},
	}
}

// substitutedBenzene is an aromatic ring carrying OH, CH3 and NH2 groups.
func substitutedBenzene() *testTopology {
	return &testTopology{
		atoms: []testAtom{
			{"C", 0}, {"C", 0}, {"C", 1}, {"C", 0}, {"C", 1}, {"C", 1},
			{"O", 1}, {"N", 2}, {"C", 3},
		},
		bonds: [][3]int{
			{0, 1, 4}, {1, 2, 4}, {2, 3, 4}, {3, 4, 4}, {4, 5, 4}, {5, 0, 4},
			{0, 6, 1}, {3, 7, 1}, {1, 8, 1},
		},
	}
}

func atoms(n int, members ...int) *bitset.BitSet {
	b := bitset.New(uint(n))
	for _, m := range members {
		b.Set(uint(m))
	}
	return b
}

func options(breaks, losses int) Options {
	opts := DefaultOptions()
	opts.MaxBrokenBonds = breaks
	opts.MaxWaterLosses = losses
	return opts
}

func generate(t *testing.T, topo Topology, opts Options) *Engine {
	t.Helper()
	e, err := New(topo, opts)
	require.NoError(t, err)
	e.GenerateFragments()
	return e
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		topo     Topology
		opts     Options
		unusable bool
		config   bool
	}{
		{"nil topology", nil, DefaultOptions(), true, false},
		{"no atoms", &testTopology{}, DefaultOptions(), true, false},
		{"bad bond type", &testTopology{atoms: []testAtom{{"C", 3}, {"C", 3}}, bonds: [][3]int{{0, 1, 9}}}, DefaultOptions(), true, false},
		{"bond out of range", &testTopology{atoms: []testAtom{{"C", 4}}, bonds: [][3]int{{0, 3, 1}}}, DefaultOptions(), true, false},
		{"bad ion mode", propane(), Options{IonMode: 2}, false, true},
		{"negative breaks", propane(), Options{IonMode: 1, MaxBrokenBonds: -1}, false, true},
		{"valid", propane(), DefaultOptions(), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.topo, tt.opts)
			switch {
			case tt.unusable:
				assert.True(t, errors.Is(err, ErrUnusableMolecule), "got %v", err)
			case tt.config:
				var ce *core.ConfigurationError
				assert.True(t, errors.As(err, &ce), "got %v", err)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestBondWeights(t *testing.T) {
	tests := []struct {
		order  int
		s1, s2 string
		want   int
	}{
		{1, "C", "C", 2},
		{1, "C", "O", 1},
		{2, "C", "C", 4},
		{2, "C", "O", 2},
		{3, "C", "N", 3},
		{4, "C", "C", 6},
		{4, "N", "C", 3},
	}

	for _, tt := range tests {
		got, ok := bondWeight(tt.order, tt.s1, tt.s2)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, "order %d %s-%s", tt.order, tt.s1, tt.s2)
	}

	_, ok := bondWeight(7, "C", "C")
	assert.False(t, ok)
}

func TestGenerateFragmentsLinearChain(t *testing.T) {
	e := generate(t, propane(), options(1, 0))

	want := []struct {
		atoms  []int
		score  int
		breaks int
	}{
		{[]int{0, 1, 2}, 0, 0},
		{[]int{1, 2}, 2, 1},
		{[]int{0}, 2, 1},
		{[]int{2}, 2, 1},
		{[]int{0, 1}, 2, 1},
	}

	frags := e.Fragments()
	require.Len(t, frags, len(want))
	for i, w := range want {
		assert.True(t, frags[i].Atoms.Equal(atoms(3, w.atoms...)), "fragment %d is %v", i, frags[i].Atoms)
		assert.Equal(t, w.score, frags[i].Score, "fragment %d score", i)
		assert.Equal(t, w.breaks, frags[i].Breaks, "fragment %d breaks", i)
	}

	t.Run("middle atom needs two breaks", func(t *testing.T) {
		for _, f := range frags {
			assert.False(t, f.Atoms.Equal(atoms(3, 1)))
		}
	})
}

func TestGenerateFragmentsSingletons(t *testing.T) {
	e := generate(t, propane(), options(2, 0))

	var found *Fragment
	for i, f := range e.Fragments() {
		if f.Atoms.Equal(atoms(3, 1)) {
			found = &e.Fragments()[i]
		}
	}
	require.NotNil(t, found, "lone middle atom should be a fragment")
	assert.Equal(t, 2, found.Breaks)
	assert.Equal(t, 4, found.Score)
	assert.InDelta(t, core.MassC+2*core.MassH, found.Mass, 1e-9)
	assert.Len(t, e.Fragments(), 6)
}

func TestGenerateFragmentsInvariants(t *testing.T) {
	for _, breaks := range []int{1, 2, 3} {
		e := generate(t, substitutedBenzene(), options(breaks, 0))

		seen := make(map[string]bool)
		whole := e.Fragments()[0]
		assert.Equal(t, 0, whole.Score)
		assert.Equal(t, 0, whole.Breaks)
		assert.Equal(t, uint(9), whole.Atoms.Count())

		for _, f := range e.Fragments() {
			key := f.Atoms.String()
			assert.False(t, seen[key], "duplicate fragment %s", key)
			seen[key] = true
			assert.LessOrEqual(t, f.Breaks, breaks)
			assert.Less(t, float64(f.Score), core.DefaultMissingFragmentPenalty+DefaultAcceptSlack)
		}
	}
}

func TestGenerateFragmentsAcceptSlack(t *testing.T) {
	loose := generate(t, substitutedBenzene(), options(3, 0))

	strict := options(3, 0)
	strict.AcceptSlack = 0
	strict.MissingFragmentPenalty = 5
	tight := generate(t, substitutedBenzene(), strict)

	assert.Less(t, len(tight.Fragments()), len(loose.Fragments()))
	for _, f := range tight.Fragments() {
		assert.Less(t, f.Score, 5)
	}
}

func TestGenerateFragmentsWaterLoss(t *testing.T) {
	without := generate(t, ethanol(), options(1, 0))
	assert.Len(t, without.Fragments(), 5)

	with := generate(t, ethanol(), options(1, 1))
	frags := with.Fragments()
	require.Len(t, frags, 6)

	last := frags[5]
	assert.True(t, last.Atoms.Equal(atoms(3, 1)), "water loss from C1-O2 leaves C1, got %v", last.Atoms)
	assert.Equal(t, 2, last.Breaks)
	assert.Equal(t, 3, last.Score)

	t.Run("from the whole molecule", func(t *testing.T) {
		e := generate(t, ethanol(), options(0, 1))
		require.Len(t, e.Fragments(), 2)
		assert.True(t, e.Fragments()[1].Atoms.Equal(atoms(3, 0, 1)))
		assert.Equal(t, 1, e.Fragments()[1].Breaks)
	})
}

func TestGenerateFragmentsSkipFragmentation(t *testing.T) {
	opts := options(3, 1)
	opts.SkipFragmentation = true
	e := generate(t, substitutedBenzene(), opts)

	require.Len(t, e.Fragments(), 1)
	base := e.Fragments()[0].Mass

	// k = 4, positive mode shifts the break-free row by one hydrogen
	for col := 0; col < e.Width(); col++ {
		switch col {
		case 3:
			assert.InDelta(t, base, e.Cell(0, col), 1e-9)
		case 4:
			assert.InDelta(t, base+core.MassH, e.Cell(0, col), 1e-9)
		default:
			assert.Zero(t, e.Cell(0, col), "column %d", col)
		}
	}
}

func TestGenerateFragmentsIdempotent(t *testing.T) {
	e := generate(t, substitutedBenzene(), options(2, 1))
	count := len(e.Fragments())
	assert.Equal(t, count, e.GenerateFragments())

	other := generate(t, substitutedBenzene(), options(2, 1))
	assertSameEnumeration(t, e, other)
}

func TestGenerateFragmentsMonotonic(t *testing.T) {
	prev := 0
	for breaks := 0; breaks <= 3; breaks++ {
		for losses := 0; losses <= 2; losses++ {
			n := generate(t, substitutedBenzene(), options(breaks, losses)).GenerateFragments()
			if losses > 0 {
				lower := generate(t, substitutedBenzene(), options(breaks, losses-1)).GenerateFragments()
				assert.GreaterOrEqual(t, n, lower, "breaks %d losses %d", breaks, losses)
			}
			if losses == 0 {
				assert.GreaterOrEqual(t, n, prev, "breaks %d", breaks)
				prev = n
			}
		}
	}
}

func TestEnumeratorsAgree(t *testing.T) {
	fixtures := map[string]*testTopology{
		"propane":  propane(),
		"ethanol":  ethanol(),
		"aromatic": substitutedBenzene(),
	}

	for name, topo := range fixtures {
		for _, opts := range []Options{options(1, 0), options(2, 1), options(3, 2)} {
			fast := opts
			fast.Fast = true

			general := generate(t, topo, opts)
			word := generate(t, topo, fast)
			require.IsType(t, fastEnumerator{}, word.enumerator(), name)
			require.IsType(t, generalEnumerator{}, general.enumerator(), name)

			t.Run(name, func(t *testing.T) {
				assertSameEnumeration(t, general, word)
			})
		}
	}
}

func TestEnumeratorSelection(t *testing.T) {
	chain := &testTopology{}
	for i := 0; i < 70; i++ {
		chain.atoms = append(chain.atoms, testAtom{"C", 2})
		if i > 0 {
			chain.bonds = append(chain.bonds, [3]int{i - 1, i, 1})
		}
	}

	opts := DefaultOptions()
	opts.Fast = true
	opts.SkipFragmentation = true
	e, err := New(chain, opts)
	require.NoError(t, err)

	assert.IsType(t, generalEnumerator{}, e.enumerator())
	assert.Equal(t, 1, e.GenerateFragments())
	assert.Equal(t, uint(70), e.Fragments()[0].Atoms.Count())
}

func assertSameEnumeration(t *testing.T, a, b *Engine) {
	t.Helper()
	require.Equal(t, len(a.Fragments()), len(b.Fragments()))
	for i := range a.Fragments() {
		fa, fb := a.Fragments()[i], b.Fragments()[i]
		assert.True(t, fa.Atoms.Equal(fb.Atoms), "row %d: %v vs %v", i, fa.Atoms, fb.Atoms)
		assert.Equal(t, fa.Score, fb.Score, "row %d", i)
		assert.Equal(t, fa.Breaks, fb.Breaks, "row %d", i)
		for col := 0; col < a.Width(); col++ {
			assert.Equal(t, a.Cell(i, col), b.Cell(i, col), "row %d col %d", i, col)
		}
	}
}

func TestMassTableLayout(t *testing.T) {
	tests := []struct {
		name      string
		ionMode   int
		molCharge int
		// expected hydrogen shift per column for the whole molecule, nil for unset
		whole []*int
		// expected shifts for a one-break fragment
		single []int
	}{
		{"positive", core.PositiveMode, 0, []*int{ptr(0), ptr(1), nil}, []int{0, 1, 2}},
		{"negative", core.NegativeMode, 0, []*int{nil, ptr(-1), ptr(0)}, []int{-2, -1, 0}},
		{"charged", core.PositiveMode, 1, []*int{ptr(0), ptr(0), nil}, []int{-1, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := options(1, 0)
			opts.IonMode = tt.ionMode
			opts.MolCharge = tt.molCharge
			e := generate(t, propane(), opts)
			require.Equal(t, 3, e.Width())

			base := e.Fragments()[0].Mass
			for col, h := range tt.whole {
				if h == nil {
					assert.Zero(t, e.Cell(0, col), "col %d", col)
					continue
				}
				assert.InDelta(t, base+float64(*h)*core.MassH, e.Cell(0, col), 1e-9, "col %d", col)
			}

			f := e.Fragments()[2]
			for col, h := range tt.single {
				assert.Equal(t, h, e.Shift(col))
				assert.InDelta(t, f.Mass+float64(h)*core.MassH, e.Cell(2, col), 1e-9, "col %d", col)
			}
		})
	}
}

func ptr(i int) *int { return &i }

func TestFindFragmentsRoundTrip(t *testing.T) {
	e := generate(t, substitutedBenzene(), options(2, 1))
	tol := core.Tolerance{PPM: 1, Abs: 0.0001}

	for row := range e.Fragments() {
		for col := 0; col < e.Width(); col++ {
			m := e.Cell(row, col)
			if m == 0 {
				continue
			}
			found := false
			for _, match := range e.FindFragments(m, tol) {
				if match.Row == row && match.Shift == e.Shift(col) {
					found = true
					assert.Equal(t, m, match.CellMass)
					assert.Equal(t, e.Fragments()[row].Mass, match.Mass)
				}
			}
			assert.True(t, found, "row %d col %d mass %f not found", row, col, m)
		}
	}
}

func TestFindFragments(t *testing.T) {
	e := generate(t, propane(), options(1, 0))

	t.Run("ordered by row then column", func(t *testing.T) {
		// the two terminal methyls share every mass
		matches := e.FindFragments(e.Cell(2, 1), core.Tolerance{PPM: 5})
		require.Len(t, matches, 2)
		assert.Equal(t, 2, matches[0].Row)
		assert.Equal(t, 3, matches[1].Row)
		assert.Equal(t, 1, matches[0].Shift)
	})

	t.Run("window is open", func(t *testing.T) {
		assert.Empty(t, e.FindFragments(e.Cell(0, 1), core.Tolerance{}))
	})

	t.Run("absolute tolerance widens the window", func(t *testing.T) {
		m := e.Cell(0, 1) + 0.004
		assert.Empty(t, e.FindFragments(m, core.Tolerance{PPM: 1}))
		assert.NotEmpty(t, e.FindFragments(m, core.Tolerance{PPM: 1, Abs: 0.005}))
	})

	t.Run("before generation", func(t *testing.T) {
		fresh, err := New(propane(), options(1, 0))
		require.NoError(t, err)
		assert.Nil(t, fresh.FindFragments(44.0, core.Tolerance{Abs: 1}))
	})
}

func TestScoreRelativeToParent(t *testing.T) {
	e, err := New(propane(), options(1, 0))
	require.NoError(t, err)

	tests := []struct {
		name         string
		frag, parent []int
		want         int
	}{
		{"methyl from whole", []int{0}, []int{0, 1, 2}, 2},
		{"methyl from ethyl", []int{0}, []int{0, 1}, 2},
		{"ethyl from whole", []int{1, 2}, []int{0, 1, 2}, 2},
		{"same set", []int{0}, []int{0}, 0},
		{"middle from whole", []int{1}, []int{0, 1, 2}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.ScoreRelativeToParent(atoms(3, tt.frag...), atoms(3, tt.parent...)))
		})
	}
}

func TestFragmentInfo(t *testing.T) {
	e, err := New(ethanol(), options(1, 0))
	require.NoError(t, err)

	info := e.FragmentInfo(atoms(3, 1, 2))
	assert.Equal(t, []int{1, 2}, info.Atoms)
	assert.Equal(t, "1,2", info.AtomString)
	assert.Equal(t, "CO", info.Formula)
	assert.Equal(t, "id:1-2", info.Identifier)

	assert.InDelta(t, core.MassC+core.MassO+3*core.MassH, e.FragmentMass(atoms(3, 1, 2)), 1e-9)
	assert.True(t, e.WholeMolecule().Equal(atoms(3, 0, 1, 2)))
}
