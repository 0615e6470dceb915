package sanitize

import (
	"fmt"
	"sort"
	"strings"
)

// Record is one external-content record with text-bearing fields.
type Record map[string]string

// EncodeTable serializes records into the compact tabular form the sanitizer
// model operates on: a tab-separated header of the union of field names, then
// one row per record. Tabs and newlines inside values are escaped so the grid
// stays rectangular.
func EncodeTable(records []Record) string {
	fieldSet := map[string]bool{}
	for _, r := range records {
		for k := range r {
			fieldSet[k] = true
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString(strings.Join(fields, "\t"))
	for _, r := range records {
		b.WriteByte('\n')
		for i, f := range fields {
			if i > 0 {
				b.WriteByte('\t')
			}
			b.WriteString(escapeCell(r[f]))
		}
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\t", "\\t")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}

func unescapeCell(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// DecodeTable parses the tabular form back into records. Strict mode requires
// every row to have exactly the header's column count; lenient mode pads
// missing cells and drops extras, tolerating small format drift from the
// sanitizing model.
func DecodeTable(s string, strict bool) ([]Record, error) {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("sanitize: empty table")
	}
	fields := strings.Split(lines[0], "\t")

	records := make([]Record, 0, len(lines)-1)
	for n, line := range lines[1:] {
		cells := strings.Split(line, "\t")
		if strict && len(cells) != len(fields) {
			return nil, fmt.Errorf("sanitize: row %d has %d cells, want %d", n+1, len(cells), len(fields))
		}
		rec := Record{}
		for i, f := range fields {
			if i < len(cells) {
				rec[f] = unescapeCell(cells[i])
			} else {
				rec[f] = ""
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
