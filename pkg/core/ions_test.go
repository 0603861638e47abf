package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdductTypes(t *testing.T) {
	tests := []struct {
		name    string
		mode    int
		adducts string
		force   bool
		want    []string
		wantErr bool
	}{
		{"positive default", PositiveMode, "", false, []string{"+H"}, false},
		{"negative default", NegativeMode, "", false, []string{"-H"}, false},
		{"positive extra", PositiveMode, "Na,OH", false, []string{"+H", "+Na", "-OH"}, false},
		{"forced", PositiveMode, "K", true, []string{"+K"}, false},
		{"bad mode", 0, "", false, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AdductTypes(tt.mode, tt.adducts, tt.force)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateIons(t *testing.T) {
	table, err := GenerateIons(PositiveMode, []string{"+H", "+Na"}, 2)
	require.NoError(t, err)
	require.Equal(t, 2, table.MaxCharge())

	require.Len(t, table.ForCharge(0), 1)
	assert.Equal(t, "[M]+", table[0][0].Label)

	require.Len(t, table.ForCharge(1), 2)
	assert.Equal(t, "[M+H]+", table[1][0].Label)
	assert.InDelta(t, MassH, table[1][0].Mass, 1e-12)
	assert.Equal(t, "[M+Na]+", table[1][1].Label)

	// +H+Na and +Na+H collapse to one entry
	labels := make([]string, 0, len(table[2]))
	for _, ion := range table[2] {
		labels = append(labels, ion.Label)
		assert.Equal(t, 2, ion.Charge)
	}
	assert.Equal(t, []string{"[M+H+H]2+", "[M+H+Na]2+", "[M+Na+Na]2+"}, labels)
	assert.Nil(t, table.ForCharge(3))
}

func TestGenerateIonsRejectsInvalidAdduct(t *testing.T) {
	_, err := GenerateIons(NegativeMode, []string{"-H", "+Na"}, 1)
	require.Error(t, err)

	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "adducts", cfgErr.Field)

	_, err = GenerateIons(PositiveMode, []string{"+H"}, 0)
	assert.Error(t, err)
}

func TestFragmentIonLabel(t *testing.T) {
	tests := []struct {
		h    int
		mode int
		want string
	}{
		{0, PositiveMode, "[X]+"},
		{1, PositiveMode, "[X+H]+"},
		{2, PositiveMode, "[X+2H]+"},
		{-1, NegativeMode, "[X-H]-"},
		{-3, NegativeMode, "[X-3H]-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FragmentIonLabel(tt.h, tt.mode))
	}
}

func TestIonCharge(t *testing.T) {
	assert.Equal(t, 1, IonCharge("[M+H]+"))
	assert.Equal(t, 2, IonCharge("[M+H+H]2+"))
	assert.Equal(t, 1, IonCharge(""))
	assert.Equal(t, 1, IonCharge("[X]-"))
}
