// Package output renders loshark-ctl results as a table, JSON or YAML.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Formatter renders a value for the terminal.
type Formatter interface {
	Format(data any) string
}

// Formats lists the accepted --output values.
var Formats = []string{"table", "json", "yaml"}

// NewFormatter returns the formatter for format. Unknown formats are an error.
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "", "table":
		return TableFormatter{}, nil
	case "json":
		return JSONFormatter{}, nil
	case "yaml", "yml":
		return YAMLFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want %s)", format, strings.Join(Formats, ", "))
	}
}

// TableFormatter aligns structs, maps and slices of structs in columns.
// Column names come from json tags when present.
type TableFormatter struct{}

func (TableFormatter) Format(data any) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	v := reflect.ValueOf(data)
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "\n"
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "No entries.\n"
		}
		elem := indirect(v.Index(0))
		if elem.Kind() == reflect.Struct {
			fields := columns(elem.Type())
			headers := make([]string, len(fields))
			for i, f := range fields {
				headers[i] = strings.ToUpper(f.name)
			}
			fmt.Fprintln(w, strings.Join(headers, "\t"))
			for i := 0; i < v.Len(); i++ {
				row := indirect(v.Index(i))
				vals := make([]string, len(fields))
				for j, f := range fields {
					vals[j] = cell(row.Field(f.index))
				}
				fmt.Fprintln(w, strings.Join(vals, "\t"))
			}
		} else {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(w, cell(v.Index(i)))
			}
		}
	case reflect.Struct:
		for _, f := range columns(v.Type()) {
			fmt.Fprintf(w, "%s:\t%s\n", f.name, cell(v.Field(f.index)))
		}
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		vals := make(map[string]reflect.Value, v.Len())
		for _, k := range v.MapKeys() {
			ks := fmt.Sprint(k.Interface())
			keys = append(keys, ks)
			vals[ks] = v.MapIndex(k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s:\t%s\n", k, cell(vals[k]))
		}
	default:
		fmt.Fprintln(w, data)
	}

	w.Flush()
	return buf.String()
}

type column struct {
	name  string
	index int
}

func columns(t reflect.Type) []column {
	var cols []column
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		cols = append(cols, column{name: name, index: i})
	}
	return cols
}

func indirect(v reflect.Value) reflect.Value {
	for (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func cell(v reflect.Value) string {
	v = indirect(v)
	if !v.IsValid() || ((v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) && v.IsNil()) {
		return "-"
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Struct:
		if b, err := json.Marshal(v.Interface()); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", v.Interface())
}

// JSONFormatter formats data as indented JSON.
type JSONFormatter struct{}

func (JSONFormatter) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

// YAMLFormatter formats data as YAML. Values pass through JSON first so
// json tags name the keys.
type YAMLFormatter struct{}

func (YAMLFormatter) Format(data any) string {
	if b, err := json.Marshal(data); err == nil {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err == nil {
			data = numbers(generic)
		}
	}
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}

// numbers turns json.Number leaves into int64 or float64 so YAML prints
// them as plain scalars.
func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = numbers(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = numbers(x[k])
		}
	}
	return v
}
