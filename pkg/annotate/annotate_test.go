package annotate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChrisMcGann/FragKey/pkg/core"
	"github.com/ChrisMcGann/FragKey/pkg/fragment"
	"github.com/ChrisMcGann/FragKey/pkg/metrics"
	"github.com/ChrisMcGann/FragKey/pkg/prefilter"
)

const (
	ethanolMass = 2*core.MassC + 6*core.MassH + core.MassO
	glucoseMass = 6*core.MassC + 12*core.MassH + 6*core.MassO
)

func molblock(name string, symbols []string, bonds [][3]int) string {
	var b strings.Builder
	b.WriteString(name + "\n  test\n\n")
	fmt.Fprintf(&b, "%3d%3d  0  0  0  0  0  0  0  0999 V2000\n", len(symbols), len(bonds))
	for _, s := range symbols {
		fmt.Fprintf(&b, "%10.4f%10.4f%10.4f %-3s 0  0  0  0  0  0  0  0  0  0  0  0\n", 0.0, 0.0, 0.0, s)
	}
	for _, bd := range bonds {
		fmt.Fprintf(&b, "%3d%3d%3d  0  0  0  0\n", bd[0], bd[1], bd[2])
	}
	b.WriteString("M  END\n")
	return b.String()
}

func ionTable(t *testing.T, mode int, adducts string, maxCharge int) core.IonTable {
	t.Helper()
	types, err := core.AdductTypes(mode, adducts, false)
	require.NoError(t, err)
	table, err := core.GenerateIons(mode, types, maxCharge)
	require.NoError(t, err)
	return table
}

func TestMassMatch(t *testing.T) {
	tol := core.Tolerance{PPM: 5, Abs: 0.001}
	pos := ionTable(t, core.PositiveMode, "Na", 2)
	neg := ionTable(t, core.NegativeMode, "", 1)

	tests := []struct {
		name      string
		mz        float64
		molCharge int
		ions      core.IonTable
		mode      int
		want      string
		ok        bool
	}{
		{"protonated", glucoseMass + core.MassH - core.ElectronMass, 0, pos, core.PositiveMode, "[M+H]+", true},
		{"sodiated", glucoseMass + core.MassNa - core.ElectronMass, 0, pos, core.PositiveMode, "[M+Na]+", true},
		{"doubly protonated", (glucoseMass+2*core.MassH)/2 - core.ElectronMass, 0, pos, core.PositiveMode, "[M+H+H]2+", true},
		{"intrinsic charge", glucoseMass - core.ElectronMass, 1, pos, core.PositiveMode, "[M]+", true},
		{"deprotonated", glucoseMass - core.MassH + core.ElectronMass, 0, neg, core.NegativeMode, "[M-H]-", true},
		{"outside tolerance", glucoseMass + core.MassH - core.ElectronMass + 0.01, 0, pos, core.PositiveMode, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ion, ok := MassMatch(&core.Peak{MZ: tt.mz}, glucoseMass, tt.molCharge, tt.ions, tol, tt.mode)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, ion.Label)
		})
	}
}

func TestMolCharge(t *testing.T) {
	assert.Equal(t, 1, MolCharge("C5H12N+", core.PositiveMode))
	assert.Equal(t, 0, MolCharge("C5H12N+", core.NegativeMode))
	assert.Equal(t, 1, MolCharge("C2H3O2-", core.NegativeMode))
	assert.Equal(t, 0, MolCharge("C6H12O6", core.PositiveMode))
}

func TestPrefilterKeepsMassMatches(t *testing.T) {
	tol := core.Tolerance{PPM: 5, Abs: 0.002}
	ions := ionTable(t, core.PositiveMode, "Na,K,NH4", 3)

	var peaks []*core.Peak
	for mz := 50.0; mz < 700; mz += 0.37 {
		peaks = append(peaks, &core.Peak{MZ: mz, ScanID: 1, Child: &core.Scan{Level: 2}})
	}
	for _, ion := range ions[1] {
		peaks = append(peaks, &core.Peak{MZ: glucoseMass + ion.Mass - core.ElectronMass, ScanID: 1, Child: &core.Scan{Level: 2}})
	}
	ix := prefilter.New([]*core.Scan{{ID: 1, Level: 1, Peaks: peaks}}, false)

	for _, mim := range []float64{glucoseMass, ethanolMass, 312.1234} {
		kept := make(map[*core.Peak]bool)
		for _, p := range ix.Candidates(mim, 0, ions) {
			kept[p] = true
		}
		for _, p := range peaks {
			if _, ok := MassMatch(p, mim, 0, ions, tol, core.PositiveMode); ok {
				assert.True(t, kept[p], "mim %f: peak %f matches but was filtered", mim, p.MZ)
			}
		}
	}
}

func newEngine(t *testing.T, workers int) *Engine {
	t.Helper()
	opts := fragment.DefaultOptions()
	e, err := New(Options{
		Fragment:  opts,
		Tolerance: core.Tolerance{PPM: 5, Abs: 0.001},
		Ions:      ionTable(t, core.PositiveMode, "", 1),
		Workers:   workers,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return e
}

func ethanolTree() []*core.Scan {
	// CH2OH+ from the C-C cleavage
	child := &core.Peak{MZ: core.MassC + 3*core.MassH + core.MassO - core.ElectronMass, Intensity: 100, ScanID: 2}
	top := &core.Peak{
		MZ:        ethanolMass + core.MassH - core.ElectronMass,
		Intensity: 1000,
		ScanID:    1,
		Child:     &core.Scan{ID: 2, Level: 2, Peaks: []*core.Peak{child}},
	}
	root := &core.Scan{ID: 1, Level: 1, Peaks: []*core.Peak{top}}
	core.AssignMissingPenalties(root, core.DefaultMissingFragmentPenalty)
	return []*core.Scan{root}
}

func candidates() []Candidate {
	return []Candidate{
		{ID: 1, Name: "ethanol", Molblock: molblock("ethanol", []string{"C", "C", "O"}, [][3]int{{1, 2, 1}, {2, 3, 1}})},
		{ID: 2, Name: "broken", Molblock: "not a molfile"},
		{ID: 3, Name: "propane", Molblock: molblock("propane", []string{"C", "C", "C"}, [][3]int{{1, 2, 1}, {2, 3, 1}})},
	}
}

func TestRun(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			results, err := newEngine(t, workers).Run(context.Background(), candidates(), ethanolTree())
			require.NoError(t, err)
			require.Len(t, results, 3)

			ethanol := results[0]
			assert.Equal(t, "ethanol", ethanol.Candidate.Name)
			assert.Equal(t, metrics.OutcomeMatched, ethanol.Outcome)
			assert.Greater(t, ethanol.Fragments, 1)
			require.Len(t, ethanol.Hits, 1)

			hit := ethanol.Hits[0]
			assert.Equal(t, "[M+H]+", hit.Ion)
			assert.Equal(t, "C2H6O", hit.Formula)
			require.Len(t, hit.Children, 1)
			assert.Equal(t, "CH3O", hit.Children[0].Formula)
			assert.Equal(t, []int{1, 2}, hit.Children[0].Atoms)
			assert.Equal(t, "[X]+", hit.Children[0].Ion)
			assert.InDelta(t, 20.0, hit.Score, 1e-9)

			broken := results[1]
			assert.Equal(t, metrics.OutcomeUnusable, broken.Outcome)
			assert.True(t, errors.Is(broken.Err, fragment.ErrUnusableMolecule))
			assert.Nil(t, broken.Molecule)

			propane := results[2]
			assert.Equal(t, metrics.OutcomeNoMatch, propane.Outcome)
			assert.Empty(t, propane.Hits)
			assert.Zero(t, propane.Fragments)
		})
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := newEngine(t, 2).Run(ctx, candidates(), ethanolTree())
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, metrics.OutcomeSkipped, r.Outcome)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	ions := ionTable(t, core.PositiveMode, "", 1)

	tests := []struct {
		name string
		opts Options
	}{
		{"ion mode", Options{Fragment: fragment.Options{IonMode: 0}, Ions: ions}},
		{"empty ion table", Options{Fragment: fragment.DefaultOptions()}},
		{"negative tolerance", Options{Fragment: fragment.DefaultOptions(), Ions: ions, Tolerance: core.Tolerance{PPM: -1}}},
		{"negative breaks", Options{Fragment: fragment.Options{IonMode: 1, MaxBrokenBonds: -2}, Ions: ions}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			var ce *core.ConfigurationError
			assert.True(t, errors.As(err, &ce), "got %v", err)
		})
	}
}

func TestRunSkipsDuplicateStructures(t *testing.T) {
	ethanol := molblock("ethanol", []string{"C", "C", "O"}, [][3]int{{1, 2, 1}, {2, 3, 1}})
	renumbered := molblock("alcohol", []string{"O", "C", "C"}, [][3]int{{1, 2, 1}, {2, 3, 1}})
	batch := []Candidate{
		{ID: 1, Name: "ethanol", Molblock: ethanol},
		{ID: 2, Name: "ethanol copy", Molblock: ethanol},
		{ID: 3, Name: "broken", Molblock: "not a molfile"},
		{ID: 4, Name: "broken copy", Molblock: "not a molfile"},
		{ID: 5, Name: "alcohol", Molblock: renumbered},
	}

	results, err := newEngine(t, 2).Run(context.Background(), batch, ethanolTree())
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, metrics.OutcomeMatched, results[0].Outcome)
	require.Len(t, results[0].Hits, 1)

	for _, i := range []int{1, 4} {
		assert.Equal(t, metrics.OutcomeDuplicate, results[i].Outcome, results[i].Candidate.Name)
		assert.Empty(t, results[i].Hits)
		assert.NotNil(t, results[i].Molecule)
		assert.Equal(t, batch[i], results[i].Candidate)
	}

	// unparsable molblocks have no identifier and are each reported
	assert.Equal(t, metrics.OutcomeUnusable, results[2].Outcome)
	assert.Equal(t, metrics.OutcomeUnusable, results[3].Outcome)
}

func TestMassFilter(t *testing.T) {
	newFiltered := func(limit float64) *Engine {
		e, err := New(Options{
			Fragment:   fragment.DefaultOptions(),
			Tolerance:  core.Tolerance{PPM: 5, Abs: 0.001},
			Ions:       ionTable(t, core.PositiveMode, "", 1),
			MassFilter: limit,
			Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
		require.NoError(t, err)
		return e
	}

	tests := []struct {
		name  string
		limit float64
		want  string
	}{
		{"below limit", 100, metrics.OutcomeMatched},
		{"no limit", 0, metrics.OutcomeMatched},
		{"above limit", 40, metrics.OutcomeTooHeavy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := newFiltered(tt.limit).Run(context.Background(), candidates()[:1], ethanolTree())
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, tt.want, results[0].Outcome)
			if tt.want == metrics.OutcomeTooHeavy {
				assert.Empty(t, results[0].Hits)
				assert.Zero(t, results[0].Fragments)
			}
		})
	}

	_, err := New(Options{Fragment: fragment.DefaultOptions(), Ions: ionTable(t, core.PositiveMode, "", 1), MassFilter: -1})
	var ce *core.ConfigurationError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "mass_filter", ce.Field)
}
