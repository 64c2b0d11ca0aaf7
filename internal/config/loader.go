package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a pipeline manifest from the provided path. Includes are merged
// first, every string value is expanded against the process environment, the
// merged document is checked against the embedded schema, and only then is
// it decoded strictly into the typed manifest.
func Load(path string) (*Manifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}

	doc, includes, err := resolveIncludes(absPath)
	if err != nil {
		return nil, err
	}
	if err := validateAgainstSchema(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: encode merged manifest: %w", absPath, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(merged))
	decoder.KnownFields(true)
	var m Manifest
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	m.Includes = includes

	manifestDir := filepath.Dir(absPath)
	rootWorkdir := resolveWorkdir(manifestDir, m.Flume.Workdir)
	m.Flume.Workdir = rootWorkdir

	for name, p := range m.Pipelines {
		if p == nil {
			continue
		}
		p.ResolvedWorkdir = resolveWorkdir(rootWorkdir, p.Workdir)

		var fileEnv map[string]string
		if p.EnvFromFile != "" {
			resolved := p.EnvFromFile
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Clean(filepath.Join(p.ResolvedWorkdir, resolved))
			}
			p.EnvFromFile = resolved

			fileEnv, err = loadEnvFile(resolved)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", pipelineField(name, "envFromFile"), err)
			}
		}

		if len(fileEnv) > 0 {
			merged := make(map[string]string, len(fileEnv)+len(p.Env))
			for k, v := range fileEnv {
				merged[k] = v
			}
			for k, v := range p.Env {
				merged[k] = v
			}
			p.Env = merged
		}
	}

	if err := m.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &m, nil
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}

func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if strings.HasPrefix(raw, "export ") {
			raw = strings.TrimSpace(raw[len("export "):])
		}
		sep := strings.IndexRune(raw, '=')
		if sep <= 0 {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		key := strings.TrimSpace(raw[:sep])
		if key == "" {
			return nil, fmt.Errorf("load env file %q: invalid key on line %d", path, lineNo)
		}
		value := strings.TrimSpace(raw[sep+1:])
		switch {
		case strings.HasPrefix(value, "\""):
			end := closingDoubleQuote(value)
			if end < 0 {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			rest := strings.TrimSpace(value[end+1:])
			if rest != "" && !strings.HasPrefix(rest, "#") {
				return nil, fmt.Errorf("load env file %q: unexpected content after quoted value on line %d", path, lineNo)
			}
			unquoted, err := strconv.Unquote(value[:end+1])
			if err != nil {
				return nil, fmt.Errorf("load env file %q: parse value for %s on line %d: %w", path, key, lineNo, err)
			}
			value = unquoted
		case strings.HasPrefix(value, "'"):
			end := strings.IndexRune(value[1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			rest := strings.TrimSpace(value[end+2:])
			if rest != "" && !strings.HasPrefix(rest, "#") {
				return nil, fmt.Errorf("load env file %q: unexpected content after quoted value on line %d", path, lineNo)
			}
			value = value[1 : end+1]
		default:
			if comment := strings.IndexRune(value, '#'); comment >= 0 {
				value = strings.TrimSpace(value[:comment])
			}
		}
		values[key] = expandEnvWithDefault(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}

// closingDoubleQuote returns the index of the terminating quote of a
// double-quoted value, honoring backslash escapes, or -1.
func closingDoubleQuote(s string) int {
	escaped := false
	for i := 1; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			return i
		}
	}
	return -1
}
