// Package render writes command results for the camlink CLI.
//
// When --format is not given, a terminal on stdout gets a table and
// anything else gets JSON. --no-color only affects table output; the
// live monitor (--tui) draws its own screen and never comes through here.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format is an output format.
type Format string

// Output formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat maps a --format value to a Format. The empty string is
// returned as-is so the caller can pick a default.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(s))
	switch f {
	case "", FormatJSON, FormatTable, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
}

var keyStyle = lipgloss.NewStyle().Faint(true)

// Renderer writes values in one format.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer reads --format and --no-color from c and writes to stdout.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatJSON
		if isTTY(os.Stdout) {
			format = FormatTable
		}
	}
	return NewRendererWithWriter(format, c.Bool("no-color"), os.Stdout), nil
}

// NewRendererWithWriter creates a renderer on out.
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format {
	return r.format
}

// Render writes data as one complete document.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		return r.yaml(data)
	case FormatTable:
		if v := deref(reflect.ValueOf(data)); v.Kind() == reflect.Slice {
			return r.rows(v)
		}
		return r.record(data)
	}
	return fmt.Errorf("unknown format: %s", r.format)
}

// Stream writes one item of an open-ended sequence: a compact JSON
// line, a YAML document, or a single key=value line.
func (r *Renderer) Stream(data any) error {
	switch r.format {
	case FormatJSON:
		return json.NewEncoder(r.out).Encode(data)
	case FormatYAML:
		if _, err := fmt.Fprintln(r.out, "---"); err != nil {
			return err
		}
		return r.yaml(data)
	case FormatTable:
		v := deref(reflect.ValueOf(data))
		if v.Kind() != reflect.Struct {
			_, err := fmt.Fprintf(r.out, "%v\n", data)
			return err
		}
		var parts []string
		for _, f := range fieldsOf(v) {
			if f.value != "" {
				parts = append(parts, f.name+"="+f.value)
			}
		}
		_, err := fmt.Fprintln(r.out, strings.Join(parts, " "))
		return err
	}
	return fmt.Errorf("unknown format: %s", r.format)
}

func (r *Renderer) yaml(data any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// rows writes a slice as a table with one header line.
func (r *Renderer) rows(v reflect.Value) error {
	if v.Len() == 0 {
		_, err := fmt.Fprintln(r.out, "(no results)")
		return err
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for i := range v.Len() {
		item := deref(v.Index(i))
		if item.Kind() != reflect.Struct {
			fmt.Fprintln(w, cell(item))
			continue
		}
		fields := fieldsOf(item)
		if i == 0 {
			names := make([]string, len(fields))
			for j, f := range fields {
				names[j] = f.name
			}
			fmt.Fprintln(w, strings.Join(names, "\t"))
		}
		values := make([]string, len(fields))
		for j, f := range fields {
			values[j] = f.value
		}
		fmt.Fprintln(w, strings.Join(values, "\t"))
	}
	return w.Flush()
}

// record writes a struct or map as aligned "key: value" lines. Keys
// share one style, so column alignment survives the escape codes.
func (r *Renderer) record(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	line := func(k, v string) {
		k += ":"
		if !r.noColor {
			k = keyStyle.Render(k)
		}
		fmt.Fprintf(w, "%s\t%s\n", k, v)
	}

	v := deref(reflect.ValueOf(data))
	switch v.Kind() {
	case reflect.Struct:
		for _, f := range fieldsOf(v) {
			line(f.name, f.value)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			line(fmt.Sprint(iter.Key().Interface()), cell(iter.Value()))
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return w.Flush()
}

type field struct {
	name  string
	value string
}

// fieldsOf lists the exported fields of a struct value under their JSON
// names. Fields tagged json:"-" are skipped.
func fieldsOf(v reflect.Value) []field {
	t := v.Type()
	out := make([]field, 0, t.NumField())
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(sf.Name)
		}
		out = append(out, field{name: name, value: cell(v.Field(i))})
	}
	return out
}

var (
	timeType     = reflect.TypeFor[time.Time]()
	durationType = reflect.TypeFor[time.Duration]()
)

// cell formats one value for a table. Short string lists are joined,
// other collections are summarized.
func cell(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	switch {
	case v.Type() == timeType:
		ts := v.Interface().(time.Time)
		if ts.IsZero() {
			return ""
		}
		return ts.Format(time.RFC3339)
	case v.Type() == durationType:
		return v.Interface().(time.Duration).String()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		if v.Type().Elem().Kind() == reflect.String && v.Len() <= 3 {
			parts := make([]string, v.Len())
			for i := range v.Len() {
				parts[i] = v.Index(i).String()
			}
			return strings.Join(parts, ", ")
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	}
	return fmt.Sprint(v.Interface())
}

func deref(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
