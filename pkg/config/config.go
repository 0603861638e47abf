// Package config loads annotation run settings from YAML files
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChrisMcGann/FragKey/pkg/annotate"
	"github.com/ChrisMcGann/FragKey/pkg/core"
	"github.com/ChrisMcGann/FragKey/pkg/filter"
	"github.com/ChrisMcGann/FragKey/pkg/fragment"
	"github.com/ChrisMcGann/FragKey/pkg/reader/masstree"
	"github.com/ChrisMcGann/FragKey/pkg/writer/sqlite"
)

// validate reports fields under their YAML keys
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Config holds all settings of an annotation run
type Config struct {
	Description string `yaml:"description"`

	// Structures
	NameField  string  `yaml:"name_field"`
	MassFilter float64 `yaml:"mass_filter" validate:"gte=0"`

	// Spectral tree
	TreeFormat          string  `yaml:"tree_format" validate:"oneof=mass_tree form_tree_pos form_tree_neg"`
	MSIntensityCutoff   float64 `yaml:"ms_intensity_cutoff" validate:"gte=0"`
	MSMSIntensityCutoff float64 `yaml:"msms_intensity_cutoff" validate:"gte=0,lte=100"`
	TopN                int     `yaml:"top_n" validate:"gte=0"`
	UseAllPeaks         bool    `yaml:"use_all_peaks"`

	// Ionisation
	IonisationMode int    `yaml:"ionisation_mode" validate:"oneof=-1 1"`
	Adducts        string `yaml:"adducts"`
	ForceAdduct    bool   `yaml:"force_adduct"`
	MaxCharge      int    `yaml:"max_charge" validate:"gte=1,lte=9"`

	// Matching
	MzPrecision    float64 `yaml:"mz_precision" validate:"gte=0"`
	MzPrecisionAbs float64 `yaml:"mz_precision_abs" validate:"gte=0"`

	// Fragmentation
	MaxBrokenBonds         int     `yaml:"max_broken_bonds" validate:"gte=0,lte=10"`
	MaxWaterLosses         int     `yaml:"max_water_losses" validate:"gte=0,lte=10"`
	SkipFragmentation      bool    `yaml:"skip_fragmentation"`
	Fast                   bool    `yaml:"fast"`
	MissingFragmentPenalty float64 `yaml:"missing_fragment_penalty" validate:"gt=0"`
	AcceptSlack            float64 `yaml:"accept_slack" validate:"gte=0"`

	// Execution
	Workers   int           `yaml:"workers" validate:"gte=0"`
	TimeLimit time.Duration `yaml:"time_limit" validate:"gte=0"`
}

// Default returns the settings used when no file or flag overrides them
func Default() *Config {
	return &Config{
		NameField:              "NAME",
		MassFilter:             9999,
		TreeFormat:             "mass_tree",
		MSIntensityCutoff:      1e6,
		MSMSIntensityCutoff:    5,
		IonisationMode:         core.PositiveMode,
		MaxCharge:              1,
		MzPrecision:            5,
		MzPrecisionAbs:         0.001,
		MaxBrokenBonds:         3,
		MaxWaterLosses:         1,
		MissingFragmentPenalty: core.DefaultMissingFragmentPenalty,
		AcceptSlack:            fragment.DefaultAcceptSlack,
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration file '%s': %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("YAML syntax error in '%s': %w", path, err)
	}

	return cfg, nil
}

// Validate checks field ranges and the adduct list. The first failing field
// is reported as a *core.ConfigurationError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &core.ConfigurationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed '%s' check (value %v)", fe.Tag(), fe.Value()),
			}
		}
		return &core.ConfigurationError{Field: "config", Message: err.Error()}
	}

	if _, err := c.Ions(); err != nil {
		return err
	}
	return nil
}

// Ions builds the ion table for the configured mode, adducts and charge
func (c *Config) Ions() (core.IonTable, error) {
	types, err := core.AdductTypes(c.IonisationMode, c.Adducts, c.ForceAdduct)
	if err != nil {
		return nil, err
	}
	return core.GenerateIons(c.IonisationMode, types, c.MaxCharge)
}

// Tolerance returns the m/z matching tolerance
func (c *Config) Tolerance() core.Tolerance {
	return core.Tolerance{PPM: c.MzPrecision, Abs: c.MzPrecisionAbs}
}

// Notation returns the spectral tree notation
func (c *Config) Notation() (masstree.Notation, error) {
	return masstree.ParseNotation(c.TreeFormat)
}

// FragmentOptions returns the fragment engine options
func (c *Config) FragmentOptions() fragment.Options {
	return fragment.Options{
		MaxBrokenBonds:         c.MaxBrokenBonds,
		MaxWaterLosses:         c.MaxWaterLosses,
		IonMode:                c.IonisationMode,
		SkipFragmentation:      c.SkipFragmentation,
		Fast:                   c.Fast,
		MissingFragmentPenalty: c.MissingFragmentPenalty,
		AcceptSlack:            c.AcceptSlack,
	}
}

// FilterConfig returns the peak filter settings
func (c *Config) FilterConfig() filter.Config {
	return filter.Config{
		MSIntensityCutoff:      c.MSIntensityCutoff,
		MSMSIntensityCutoff:    c.MSMSIntensityCutoff,
		TopN:                   c.TopN,
		MissingFragmentPenalty: c.MissingFragmentPenalty,
	}
}

// AnnotateOptions returns the options of an annotation engine
func (c *Config) AnnotateOptions() (annotate.Options, error) {
	ions, err := c.Ions()
	if err != nil {
		return annotate.Options{}, err
	}
	return annotate.Options{
		Fragment:    c.FragmentOptions(),
		Tolerance:   c.Tolerance(),
		Ions:        ions,
		UseAllPeaks: c.UseAllPeaks,
		MassFilter:  c.MassFilter,
		Workers:     c.Workers,
		TimeLimit:   c.TimeLimit,
	}, nil
}

// RunInfo returns the parameters recorded with the results
func (c *Config) RunInfo() sqlite.RunInfo {
	return sqlite.RunInfo{
		Description:            c.Description,
		IonMode:                c.IonisationMode,
		MaxBrokenBonds:         c.MaxBrokenBonds,
		MaxWaterLosses:         c.MaxWaterLosses,
		PPM:                    c.MzPrecision,
		Abs:                    c.MzPrecisionAbs,
		MSIntensityCutoff:      c.MSIntensityCutoff,
		MSMSIntensityCutoff:    c.MSMSIntensityCutoff,
		UseAllPeaks:            c.UseAllPeaks,
		Adducts:                c.Adducts,
		MaxCharge:              c.MaxCharge,
		MissingFragmentPenalty: c.MissingFragmentPenalty,
		MassFilter:             c.MassFilter,
	}
}
