package body

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Metadata variable names with special meaning to the batch layer.
const (
	VarCPUTimeOverride = "BATCH_OVERRIDE_CPUTIME"
	VarMemoryOverride  = "BATCH_OVERRIDE_MEMORY"
)

// OverrideFromVars parses "k=v;k2=v2" into string-typed variables. Empty
// segments are ignored.
func OverrideFromVars(spec string) ([]Variable, error) {
	var out []Variable
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, &MalformedError{Reason: fmt.Sprintf("variable %q must be name=value", part)}
		}
		out = append(out, Variable{Name: name, Value: Text(strings.TrimSpace(value)), Type: "str"})
	}
	return out, nil
}

// VariablesFromMap converts a name/value map to string-typed variables in
// key order.
func VariablesFromMap(m map[string]string) []Variable {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Variable, 0, len(keys))
	for _, k := range keys {
		out = append(out, Variable{Name: k, Value: Text(m[k]), Type: "str"})
	}
	return out
}

// ParseDuration parses a CPU time limit given either as seconds ("3600",
// "90.5") or as clock time ("HH:MM" or "HH:MM:SS"), returning seconds.
func ParseDuration(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}
		return v, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("parse duration %q: want HH:MM or HH:MM:SS", s)
	}
	weights := []float64{3600, 60, 1}
	var total float64
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("parse duration %q: invalid field %q", s, p)
		}
		total += float64(n) * weights[i]
	}
	return total, nil
}

// Overrides are resource limits requested through metadata.
type Overrides struct {
	CPUMax *float64
	MemMax *float64
}

// ResourceOverrides scans MetaData for the batch override variables. When a
// variable repeats, the last one wins, so instance entries merged after the
// job's take precedence.
func ResourceOverrides(d Document) (Overrides, error) {
	var out Overrides
	for _, v := range d.MetaData {
		switch v.Name {
		case VarCPUTimeOverride:
			secs, err := ParseDuration(string(v.Value))
			if err != nil {
				return Overrides{}, fmt.Errorf("%s: %w", v.Name, err)
			}
			out.CPUMax = &secs
		case VarMemoryOverride:
			mem, err := strconv.ParseFloat(strings.TrimSpace(string(v.Value)), 64)
			if err != nil {
				return Overrides{}, fmt.Errorf("%s: %w", v.Name, err)
			}
			out.MemMax = &mem
		}
	}
	return out, nil
}
