// Package output formats CLI results as aligned tables for terminals and
// JSON for pipes.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
)

// Format selects how results are rendered.
type Format string

const (
	FormatAuto Format = "auto"
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatAuto, FormatText, FormatJSON:
		return f, nil
	case "":
		return FormatAuto, nil
	default:
		return "", fmt.Errorf("unknown format %q (valid options: auto, text, json)", s)
	}
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Writer renders CLI output.
type Writer struct {
	out    io.Writer
	format Format
}

// New creates a Writer. FormatAuto resolves to text on a terminal and JSON
// otherwise.
func New(out io.Writer, format Format) *Writer {
	if format == FormatAuto || format == "" {
		format = FormatJSON
		if IsTTY(out) {
			format = FormatText
		}
	}
	return &Writer{out: out, format: format}
}

// Format returns the resolved format.
func (w *Writer) Format() Format { return w.format }

// Success prints a success line. It is silent in JSON mode.
func (w *Writer) Success(msg string) { w.status("✅", msg) }

// Successf prints a formatted success line.
func (w *Writer) Successf(format string, args ...any) { w.Success(fmt.Sprintf(format, args...)) }

// Warning prints a warning line. It is silent in JSON mode.
func (w *Writer) Warning(msg string) { w.status("⚠️ ", msg) }

// Warningf prints a formatted warning line.
func (w *Writer) Warningf(format string, args ...any) { w.Warning(fmt.Sprintf(format, args...)) }

func (w *Writer) status(icon, msg string) {
	if w.format == FormatJSON {
		return
	}
	_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
}

// Result renders v: as indented JSON, or in text mode as a table when rows
// are given and as "key: value" lines otherwise.
func (w *Writer) Result(v any, header []string, rows [][]string) error {
	if w.format == FormatJSON {
		enc := json.NewEncoder(w.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	if header == nil {
		return w.fields(v)
	}
	return w.Table(header, rows)
}

// Table prints rows under header with aligned columns.
func (w *Writer) Table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// fields prints a JSON object's top-level keys in text mode.
func (w *Writer) fields(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		_, err = fmt.Fprintln(w.out, string(data))
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k + ":", render(m[k])})
	}
	tw := tabwriter.NewWriter(w.out, 0, 4, 1, ' ', 0)
	for _, r := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func render(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}
