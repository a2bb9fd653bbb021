package util

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
)

// ValidationError reports the first parameter that does not satisfy a schema.
// Field is a dotted path; list elements are addressed as name[i].
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Field, e.Message)
}

// CreateSchema derives an object schema from a struct. Field names come from
// the json tag, descriptions from the description tag and allowed values from
// a comma separated enum tag. Non-pointer fields without omitempty are required.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return structSchema(t)
}

func structSchema(t reflect.Type) map[string]any {
	props := make(map[string]any, t.NumField())
	var required []string

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}

		prop := typeSchema(f.Type)
		if d := f.Tag.Get("description"); d != "" {
			prop["description"] = d
		}
		if e := f.Tag.Get("enum"); e != "" {
			prop["enum"] = strings.Split(e, ",")
		}
		props[name] = prop

		if f.Type.Kind() != reflect.Ptr && !slices.Contains(strings.Split(opts, ","), "omitempty") {
			required = append(required, name)
		}
	}

	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func typeSchema(t reflect.Type) map[string]any {
	switch t.Kind() {
	case reflect.Ptr:
		return typeSchema(t.Elem())
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem())}
	case reflect.Struct:
		return structSchema(t)
	case reflect.Map:
		return map[string]any{"type": "object"}
	}
	return map[string]any{}
}

// ValidateParameters checks resolved action parameters against an object
// schema: required keys, declared types, enums, array items and nested
// objects. Undeclared keys are allowed. Keys are checked in sorted order so
// the reported field is stable.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	return validateObject("", params, schema)
}

func validateObject(prefix string, obj map[string]any, schema map[string]any) error {
	for _, name := range stringList(schema["required"]) {
		if _, ok := obj[name]; !ok {
			return &ValidationError{Field: join(prefix, name), Message: "required field is missing"}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		prop, ok := props[k].(map[string]any)
		if !ok {
			continue
		}
		if err := validateValue(join(prefix, k), obj[k], prop); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(field string, v any, schema map[string]any) error {
	if v == nil {
		return nil
	}

	typ, _ := schema["type"].(string)
	if !matchesType(v, typ) {
		return &ValidationError{Field: field, Value: v, Message: fmt.Sprintf("expected type %s, got %T", typ, v)}
	}

	if enum := schema["enum"]; enum != nil && !inEnum(v, enum) {
		return &ValidationError{Field: field, Value: v, Message: fmt.Sprintf("value must be one of %v", enum)}
	}

	switch typ {
	case "array":
		items, _ := schema["items"].(map[string]any)
		if items == nil {
			return nil
		}
		rv := reflect.ValueOf(v)
		for i := 0; i < rv.Len(); i++ {
			if err := validateValue(fmt.Sprintf("%s[%d]", field, i), rv.Index(i).Interface(), items); err != nil {
				return err
			}
		}
	case "object":
		if m, ok := v.(map[string]any); ok {
			return validateObject(field, m, schema)
		}
	}
	return nil
}

func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		k := reflect.TypeOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case "object":
		k := reflect.TypeOf(v).Kind()
		return k == reflect.Map || k == reflect.Struct
	}
	return true
}

func inEnum(v any, enum any) bool {
	rv := reflect.ValueOf(enum)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return true
	}
	want := fmt.Sprint(v)
	for i := 0; i < rv.Len(); i++ {
		if fmt.Sprint(rv.Index(i).Interface()) == want {
			return true
		}
	}
	return false
}

// stringList accepts "required" as built in Go ([]string) or decoded from
// JSON or YAML ([]any).
func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
