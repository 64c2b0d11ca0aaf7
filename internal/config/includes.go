package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// resolveIncludes loads the manifest at path, follows its includes
// depth-first, and returns the merged raw document. Later documents win on
// conflicts, with the including manifest winning over everything it pulls
// in. Every string value is environment-expanded on the way through.
func resolveIncludes(path string) (map[string]any, []string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve include path: %w", err)
	}

	doc, includes, err := resolveIncludeTree(absPath, nil, true)
	if err != nil {
		return nil, nil, err
	}
	if len(includes) > 0 {
		doc["includes"] = append([]string(nil), includes...)
	}
	return doc, includes, nil
}

func resolveIncludeTree(path string, visiting []string, root bool) (map[string]any, []string, error) {
	if idx := indexOfPath(visiting, path); idx >= 0 {
		cycle := append(append([]string{}, visiting[idx:]...), path)
		return nil, nil, fmt.Errorf("detected include cycle: %s", strings.Join(cycle, " -> "))
	}
	visiting = append(visiting, path)

	doc, includes, err := loadIncludeDocument(path, root)
	if err != nil {
		return nil, nil, err
	}

	merged := make(map[string]any)
	for _, ref := range includes {
		includePath, err := resolveIncludePath(path, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: include %q: %w", path, ref, err)
		}
		childDoc, _, err := resolveIncludeTree(includePath, visiting, false)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: include %q: %w", path, ref, err)
		}
		merged = mergeYAMLMaps(merged, childDoc)
	}

	merged = mergeYAMLMaps(merged, doc)
	return merged, includes, nil
}

func loadIncludeDocument(path string, root bool) (map[string]any, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		if root {
			return nil, nil, fmt.Errorf("open manifest file: %w", err)
		}
		return nil, nil, fmt.Errorf("open include file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("%s: decode: %w", path, err)
	}
	if raw == nil {
		raw = make(map[string]any)
	}

	includes, err := extractIncludes(path, raw)
	if err != nil {
		return nil, nil, err
	}
	delete(raw, "includes")

	expandYAMLValues(raw)

	return raw, includes, nil
}

func extractIncludes(path string, raw map[string]any) ([]string, error) {
	value, ok := raw["includes"]
	if !ok || value == nil {
		return nil, nil
	}
	entries, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: includes must be a list of strings", path)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	includes := make([]string, len(entries))
	for i, entry := range entries {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%s: includes[%d] must be a string", path, i)
		}
		includes[i] = expandEnvWithDefault(s)
	}
	return includes, nil
}

func resolveIncludePath(parent, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("include path is empty")
	}
	if looksLikeURL(ref) {
		return "", fmt.Errorf("remote include %q is not supported", ref)
	}

	includePath := ref
	if !filepath.IsAbs(ref) {
		includePath = filepath.Join(filepath.Dir(parent), ref)
	}
	abs, err := filepath.Abs(includePath)
	if err != nil {
		return "", fmt.Errorf("resolve include path: %w", err)
	}
	return abs, nil
}

func looksLikeURL(path string) bool {
	if strings.Contains(path, "://") {
		if u, err := url.Parse(path); err == nil && u.Scheme != "" {
			return true
		}
	}
	return false
}

// mergeYAMLMaps overlays src onto dst, descending into nested mappings so an
// include can add one pipeline without clobbering its siblings.
func mergeYAMLMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		srcVal := src[key]
		if srcMap, ok := srcVal.(map[string]any); ok {
			dstMap, _ := dst[key].(map[string]any)
			dst[key] = mergeYAMLMaps(dstMap, srcMap)
			continue
		}
		dst[key] = cloneValue(srcVal)
	}
	return dst
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for k, v := range typed {
			cloned[k] = cloneValue(v)
		}
		return cloned
	case []any:
		cloned := make([]any, len(typed))
		for i, v := range typed {
			cloned[i] = cloneValue(v)
		}
		return cloned
	default:
		return typed
	}
}

func expandYAMLValues(doc map[string]any) {
	for key, value := range doc {
		doc[key] = expandValueRecursive(value)
	}
}

func expandValueRecursive(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		expandYAMLValues(typed)
		return typed
	case []any:
		for i, elem := range typed {
			typed[i] = expandValueRecursive(elem)
		}
		return typed
	case string:
		return expandEnvWithDefault(typed)
	default:
		return value
	}
}

func indexOfPath(paths []string, target string) int {
	for i, p := range paths {
		if p == target {
			return i
		}
	}
	return -1
}
