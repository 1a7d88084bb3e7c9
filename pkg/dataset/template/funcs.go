package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// timeLayouts are tried in order when parsing timestamps from rendered
// values and variable files.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a timestamp string using the supported layouts.
func ParseTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format %q", value)
}

func baseFuncs() template.FuncMap {
	return template.FuncMap{
		"regexMatch": func(pattern, value string) (bool, error) {
			return regexp.MatchString("^(?:"+pattern+")", value)
		},
		"regexSearch": func(pattern, value string) (bool, error) {
			return regexp.MatchString(pattern, value)
		},
		"matchAny": func(value string, patterns ...string) (bool, error) {
			for _, pattern := range patterns {
				ok, err := regexp.MatchString("^(?:"+pattern+")", value)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		},
		"asTime": func(value any) (time.Time, error) {
			switch v := value.(type) {
			case time.Time:
				return v, nil
			case string:
				return ParseTime(v)
			default:
				return time.Time{}, fmt.Errorf("cannot convert %T to time", value)
			}
		},
		"duration": time.ParseDuration,
		"timeAdd": func(ts time.Time, d string) (time.Time, error) {
			dur, err := time.ParseDuration(d)
			if err != nil {
				return time.Time{}, err
			}
			return ts.Add(dur), nil
		},
		"timeSub": func(ts time.Time, d string) (time.Time, error) {
			dur, err := time.ParseDuration(d)
			if err != nil {
				return time.Time{}, err
			}
			return ts.Add(-dur), nil
		},
		"isoTime": func(ts time.Time) string {
			return ts.UTC().Format(time.RFC3339Nano)
		},
		"toJSON": func(v any) (string, error) {
			raw, err := json.Marshal(v)
			return string(raw), err
		},
		"fromJSON": func(s string) (any, error) {
			var out any
			err := json.Unmarshal([]byte(s), &out)
			return out, err
		},
		"toYAML": func(v any) (string, error) {
			raw, err := yaml.Marshal(v)
			return string(raw), err
		},
		"get": func(m map[string]any, path string) (any, error) {
			return lookupPath(m, path)
		},
	}
}

// lookupPath resolves a dot-separated path inside nested mappings. It
// exists for rule templates that navigate document hits whose field
// names contain characters the template syntax cannot express.
func lookupPath(m map[string]any, path string) (any, error) {
	var current any = m
	start := 0
	for i := 0; i <= len(path); i++ {
		if i != len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: %q is not a mapping", path, key)
		}
		current, ok = node[key]
		if !ok {
			return nil, fmt.Errorf("path %q: key %q not found", path, key)
		}
	}
	return current, nil
}
