package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Paintersrp/flume/internal/pipeline"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Manifest mirrors the flume.yaml document structure.
type Manifest struct {
	Includes  []string                 `yaml:"includes"`
	Version   string                   `yaml:"version"`
	Flume     FlumeMeta                `yaml:"flume"`
	Defaults  Defaults                 `yaml:"defaults"`
	API       *APISpec                 `yaml:"api"`
	Pipelines map[string]*PipelineSpec `yaml:"pipelines"`
}

// FlumeMeta contains metadata about the manifest document.
type FlumeMeta struct {
	Name    string `yaml:"name"`
	Workdir string `yaml:"workdir"`
}

// Defaults captures values applied to every pipeline unless overridden.
type Defaults struct {
	Env map[string]string `yaml:"env"`
}

// APISpec configures the optional status API served during a run.
type APISpec struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// Clone creates a deep copy of the API configuration.
func (a *APISpec) Clone() *APISpec {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// PipelineSpec describes a named pipeline. Exactly one of Stages and Run
// carries the command chain: Stages as explicit argv lists, Run as a
// whitespace-tokenized line with "|" between stages.
type PipelineSpec struct {
	Stages          [][]string        `yaml:"stages"`
	Run             string            `yaml:"run"`
	Env             map[string]string `yaml:"env"`
	EnvFromFile     string            `yaml:"envFromFile"`
	Workdir         string            `yaml:"workdir"`
	ResolvedWorkdir string            `yaml:"-"`
}

// Commands resolves the spec into the stage chain it describes.
func (p *PipelineSpec) Commands() ([]pipeline.Command, error) {
	if strings.TrimSpace(p.Run) != "" {
		return pipeline.SplitLine(p.Run)
	}
	cmds := make([]pipeline.Command, 0, len(p.Stages))
	for _, stage := range p.Stages {
		cmds = append(cmds, pipeline.NewCommand(stage...))
	}
	return cmds, nil
}

// Summary renders the chain the way a shell user would write it.
func (p *PipelineSpec) Summary() string {
	cmds, err := p.Commands()
	if err != nil || len(cmds) == 0 {
		return strings.TrimSpace(p.Run)
	}
	parts := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		parts = append(parts, cmd.String())
	}
	return strings.Join(parts, " "+pipeline.Separator+" ")
}

// Clone creates a deep copy of the pipeline spec.
func (p *PipelineSpec) Clone() *PipelineSpec {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Stages != nil {
		cp.Stages = make([][]string, len(p.Stages))
		for i, stage := range p.Stages {
			cp.Stages[i] = append([]string(nil), stage...)
		}
	}
	if p.Env != nil {
		cp.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			cp.Env[k] = v
		}
	}
	return &cp
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Includes != nil {
		cp.Includes = append([]string(nil), m.Includes...)
	}
	if m.Defaults.Env != nil {
		cp.Defaults.Env = make(map[string]string, len(m.Defaults.Env))
		for k, v := range m.Defaults.Env {
			cp.Defaults.Env[k] = v
		}
	}
	cp.API = m.API.Clone()
	if m.Pipelines != nil {
		cp.Pipelines = make(map[string]*PipelineSpec, len(m.Pipelines))
		for name, p := range m.Pipelines {
			cp.Pipelines[name] = p.Clone()
		}
	}
	return &cp
}

// ApplyDefaults merges manifest-level defaults onto every pipeline. Pipeline
// values win over defaults.
func (m *Manifest) ApplyDefaults() error {
	for name, p := range m.Pipelines {
		if p == nil {
			return fmt.Errorf("pipeline %q is null", name)
		}
		if len(m.Defaults.Env) > 0 {
			merged := make(map[string]string, len(m.Defaults.Env)+len(p.Env))
			for k, v := range m.Defaults.Env {
				merged[k] = v
			}
			for k, v := range p.Env {
				merged[k] = v
			}
			p.Env = merged
		}
	}
	return nil
}

// Validate enforces manifest invariants.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if m.Flume.Name == "" {
		return fmt.Errorf("%s: is required", fieldPath("flume", "name"))
	}
	if len(m.Pipelines) == 0 {
		return fmt.Errorf("%s: must define at least one pipeline", fieldPath("pipelines"))
	}
	if m.API != nil && m.API.ShutdownTimeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("api", "shutdownTimeout"))
	}
	for name, p := range m.Pipelines {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s: pipeline name must be non-empty", fieldPath("pipelines"))
		}
		hasRun := strings.TrimSpace(p.Run) != ""
		if hasRun && len(p.Stages) > 0 {
			return fmt.Errorf("%s: run and stages are mutually exclusive", pipelineField(name))
		}
		if !hasRun && len(p.Stages) == 0 {
			return fmt.Errorf("%s: must define stages or run", pipelineField(name))
		}
		if hasRun {
			if _, err := pipeline.SplitLine(p.Run); err != nil {
				return fmt.Errorf("%s: %w", pipelineField(name, "run"), err)
			}
		}
		for i, stage := range p.Stages {
			if len(stage) == 0 {
				return fmt.Errorf("%s: must contain at least one token", stageField(name, i))
			}
			if strings.TrimSpace(stage[0]) == "" {
				return fmt.Errorf("%s: program token must be non-empty", stageField(name, i))
			}
		}
		for key := range p.Env {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("%s: env keys must be non-empty", pipelineField(name, "env"))
			}
		}
	}
	return nil
}

// EnvSlice flattens an environment map into KEY=VALUE entries with sorted
// keys.
func EnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func pipelineField(name string, parts ...string) string {
	pathParts := append([]string{"pipelines", name}, parts...)
	return fieldPath(pathParts...)
}

func stageField(name string, index int, parts ...string) string {
	stage := fmt.Sprintf("stages[%d]", index)
	pathParts := append([]string{stage}, parts...)
	return pipelineField(name, pathParts...)
}

// PipelinesSorted returns pipeline names sorted alphabetically.
func (m *Manifest) PipelinesSorted() []string {
	out := make([]string, 0, len(m.Pipelines))
	for name := range m.Pipelines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
