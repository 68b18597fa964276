package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// FileError describes a rule file that failed to load or validate.
// Failures are per-file; the loader keeps going and returns whatever
// rules did validate.
type FileError struct {
	File string
	Err  error
}

func (e FileError) Error() string { return fmt.Sprintf("%s: %v", e.File, e.Err) }

func (e FileError) Unwrap() error { return e.Err }

// Load reads every *.json file in dir, expands ${NAME} environment
// references in string values, and validates each rule. Files are
// processed in lexicographic name order; when two files declare the
// same rule name the first wins and the later file is reported as an
// error. Load has no side effects beyond reading the directory.
func Load(dir string) ([]*Rule, []FileError, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading rules directory: %w", err)
	}

	// os.ReadDir returns entries sorted by filename, which is the
	// order the first-file-wins duplicate handling relies on.
	var (
		loaded   []*Rule
		fileErrs []FileError
		claimed  = make(map[string]string)
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rule, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			fileErrs = append(fileErrs, FileError{File: name, Err: err})
			continue
		}
		if prev, dup := claimed[rule.Name]; dup {
			fileErrs = append(fileErrs, FileError{File: name, Err: fmt.Errorf("duplicate rule name %q (already defined in %s)", rule.Name, prev)})
			continue
		}
		claimed[rule.Name] = name
		loaded = append(loaded, rule)
	}
	return loaded, fileErrs, nil
}

func loadFile(path string) (*Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, errors.New("rule file must contain a single JSON object")
	}

	missing := make(map[string]bool)
	expandEnv(obj, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("undefined environment variable(s): %s", strings.Join(names, ", "))
	}

	// The typed Condition uses a plain float64 for the threshold, so
	// presence of condition.value has to be checked on the raw form
	// (an absent value is not the same rule as an explicit 0).
	cond, ok := obj["condition"].(map[string]any)
	if !ok {
		return nil, errors.New("condition is required")
	}
	if _, ok := cond["value"]; !ok {
		return nil, errors.New("condition.value is required")
	}
	if _, ok := obj["enabled"]; !ok {
		obj["enabled"] = true
	}

	// Round-trip through canonical JSON. Marshal sorts object keys, so
	// two loads of equivalent content produce byte-identical raw
	// fragments and Rule.Equal stays stable across reloads.
	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding rule: %w", err)
	}
	var rule Rule
	if err := json.Unmarshal(canonical, &rule); err != nil {
		return nil, fmt.Errorf("decoding rule: %w", err)
	}
	if err := rule.Normalize(); err != nil {
		return nil, err
	}
	rule.SourceFile = filepath.Base(path)
	return &rule, nil
}

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${NAME} references in every string value of the
// decoded document, collecting the names of unset variables. Object
// keys are left alone.
func expandEnv(v any, missing map[string]bool) any {
	switch t := v.(type) {
	case string:
		return envRefRe.ReplaceAllStringFunc(t, func(ref string) string {
			name := ref[2 : len(ref)-1]
			if val, ok := os.LookupEnv(name); ok {
				return val
			}
			missing[name] = true
			return ref
		})
	case map[string]any:
		for k, item := range t {
			t[k] = expandEnv(item, missing)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = expandEnv(item, missing)
		}
		return t
	}
	return v
}
