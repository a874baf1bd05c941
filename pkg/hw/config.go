package hw

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gwillem/lerobot-hal/pkg/device"
)

// Validator is implemented by configuration structs that check themselves
// after decoding.
type Validator interface {
	Validate() error
}

// BuildConfig translates params into a new configuration for family f.
//
// Only keys naming a field of the configuration struct are kept; nil and
// empty values are skipped. A dotted key ("left_arm.port") addresses a field
// of a nested struct, one level deep. Unknown keys are returned in dropped;
// with strict set they are a configuration error instead.
func BuildConfig(f Family, params map[string]any, strict bool) (cfg any, dropped []string, err error) {
	if f.NewConfig == nil {
		return nil, nil, device.ConfigError(f.Name, "family has no configuration")
	}
	cfg = f.NewConfig()
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return nil, nil, device.ConfigError(f.Name, "configuration must be a pointer to a struct, got %T", cfg)
	}
	fields := fieldsOf(rv.Elem().Type())

	flat := make(map[string]any)
	nested := make(map[string]map[string]any)
	for k, v := range params {
		if prefix, rest, ok := strings.Cut(k, "."); ok {
			if nested[prefix] == nil {
				nested[prefix] = make(map[string]any)
			}
			nested[prefix][rest] = v
			continue
		}
		flat[k] = v
	}

	filtered := make(map[string]any)
	for k, v := range flat {
		if isEmpty(v) {
			continue
		}
		if _, ok := fields[k]; !ok {
			dropped = append(dropped, k)
			continue
		}
		filtered[k] = normalize(v)
	}

	for prefix, vals := range nested {
		sf, ok := fields[prefix]
		sub := structType(sf.Type)
		if !ok || sub == nil {
			for k := range vals {
				dropped = append(dropped, prefix+"."+k)
			}
			continue
		}
		subFields := fieldsOf(sub)
		m, _ := filtered[prefix].(map[string]any)
		if m == nil {
			m = make(map[string]any)
		}
		for k, v := range vals {
			if isEmpty(v) {
				continue
			}
			if _, ok := subFields[k]; !ok {
				dropped = append(dropped, prefix+"."+k)
				continue
			}
			m[k] = normalize(v)
		}
		filtered[prefix] = m
	}

	sort.Strings(dropped)
	if strict && len(dropped) > 0 {
		return nil, dropped, device.ConfigError(f.Name, "unknown parameters: %s", strings.Join(dropped, ", "))
	}

	data, err := yaml.Marshal(filtered)
	if err != nil {
		return nil, dropped, device.ConfigError(f.Name, "encode parameters: %v", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, dropped, device.ConfigError(f.Name, "decode parameters: %v", err)
	}
	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, dropped, device.ConfigError(f.Name, "%v", err)
		}
	}
	return cfg, dropped, nil
}

// FieldNames returns the parameter names accepted by family f, including
// dotted names of nested struct fields.
func FieldNames(f Family) []string {
	t := reflect.TypeOf(f.NewConfig())
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	var names []string
	for name, sf := range fieldsOf(t) {
		if sub := structType(sf.Type); sub != nil {
			for subName := range fieldsOf(sub) {
				names = append(names, name+"."+subName)
			}
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fieldsOf(t reflect.Type) map[string]reflect.StructField {
	out := make(map[string]reflect.StructField)
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := strings.ToLower(sf.Name)
		if tag, ok := sf.Tag.Lookup("yaml"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out[name] = sf
	}
	return out
}

func structType(t reflect.Type) reflect.Type {
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && s == "" {
		return true
	}
	return false
}

// normalize turns whole floats into integers so that values decoded from
// JSON still fit integer fields.
func normalize(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalize(vv)
		}
		return out
	case fmt.Stringer:
		return x.String()
	}
	return v
}
