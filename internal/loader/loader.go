// Package loader reads pipeline definitions from YAML or TOML files.
//
// A definition lists jobs in order; the order is the registration order
// used to break ties in the topological sort. Every problem found in a file
// is reported at once as a *multierror.Error.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-pipeline/internal/graph"
	"github.com/ChuLiYu/beaver-pipeline/internal/registry"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Format is a definition file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

var ErrUnknownFormat = errors.New("unknown definition format")

// FormatOf guesses the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
}

// Defaults apply to every job that leaves a field unset and the file's own
// defaults section does not cover it.
type Defaults struct {
	Timeout time.Duration
	Retry   types.RetryPolicy
	Canary  types.CanarySpec
}

// BuiltinDefaults: one attempt, no timeout, 20% canary steps every 30s.
var BuiltinDefaults = Defaults{
	Retry: types.RetryPolicy{MaxAttempts: 1},
	Canary: types.CanarySpec{
		StepSize:       20,
		StepInterval:   30 * time.Second,
		AnalysisWindow: 5 * time.Minute,
	},
}

// Loader turns definition files into types.Definition.
type Loader struct {
	Defaults Defaults
}

// Load reads path with the built-in defaults.
func Load(path string) (types.Definition, error) {
	return (&Loader{Defaults: BuiltinDefaults}).Load(path)
}

// Parse decodes data with the built-in defaults.
func Parse(data []byte, format Format) (types.Definition, error) {
	return (&Loader{Defaults: BuiltinDefaults}).Parse(data, format)
}

func (l *Loader) Load(path string) (types.Definition, error) {
	format, err := FormatOf(path)
	if err != nil {
		return types.Definition{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Definition{}, fmt.Errorf("read definition: %w", err)
	}
	def, err := l.Parse(data, format)
	if err != nil {
		return def, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

func (l *Loader) Parse(data []byte, format Format) (types.Definition, error) {
	var file fileDefinition
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return types.Definition{}, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &file)
		if err != nil {
			return types.Definition{}, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return types.Definition{}, fmt.Errorf("decode toml: unknown keys %v", undecoded)
		}
	default:
		return types.Definition{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return l.build(file)
}

func (l *Loader) build(file fileDefinition) (types.Definition, error) {
	var errs *multierror.Error
	def := types.Definition{Name: file.Name}

	base := l.Defaults
	if file.Defaults.Timeout != nil {
		base.Timeout = file.Defaults.Timeout.D()
	}
	if file.Defaults.Retry != nil {
		base.Retry = file.Defaults.Retry.merge(base.Retry)
	}
	if file.Defaults.Canary != nil {
		base.Canary = file.Defaults.Canary.spec(base.Canary)
	}

	seen := make(map[types.JobID]bool, len(file.Jobs))
	for i, fj := range file.Jobs {
		job, jobErrs := fj.job(base)
		label := fmt.Sprintf("jobs[%d]", i)
		if fj.ID != "" {
			label = fmt.Sprintf("job %q", fj.ID)
		}
		for _, e := range jobErrs {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", label, e))
		}
		if fj.ID != "" && seen[job.ID] {
			errs = multierror.Append(errs, &registry.DuplicateJobError{ID: job.ID})
		}
		seen[job.ID] = true
		def.Jobs = append(def.Jobs, job)
	}

	for _, job := range def.Jobs {
		for _, dep := range job.DependsOn {
			if !seen[dep] {
				errs = multierror.Append(errs, &graph.UnknownDependencyError{Missing: dep, Referrer: job.ID})
			}
		}
	}
	if len(def.Jobs) == 0 {
		errs = multierror.Append(errs, errors.New("definition has no jobs"))
	}
	return def, errs.ErrorOrNil()
}
