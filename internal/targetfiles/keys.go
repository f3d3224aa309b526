package targetfiles

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var keyField = regexp.MustCompile(`(\w+)="([^"]*)"`)

// KeyEntry is one line of apexkeys.txt or apkcerts.txt
type KeyEntry struct {
	Name      string
	Partition string
	Fields    map[string]string
	// Line is the entry as written, used to compare entries
	Line string
}

// ParseKeyFile parses lines of name="..." field="..." pairs
func ParseKeyFile(data []byte, file string) ([]KeyEntry, error) {
	var out []KeyEntry
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e := KeyEntry{Fields: map[string]string{}, Line: line}
		for _, m := range keyField.FindAllStringSubmatch(line, -1) {
			e.Fields[m[1]] = m[2]
		}
		e.Name, e.Partition = e.Fields["name"], e.Fields["partition"]
		if e.Name == "" {
			return nil, fmt.Errorf("'%v' line %d %q: %w", file, n+1, line, ErrMalformedInfo)
		}
		out = append(out, e)
	}
	return out, nil
}

// FormatKeyFile writes entries sorted by name
func FormatKeyFile(entries []KeyEntry) []byte {
	sorted := append([]KeyEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	var b bytes.Buffer
	for _, e := range sorted {
		b.WriteString(e.Line)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// KeyFile reads apexkeys.txt or apkcerts.txt, missing files have no entries
func (t *TargetFiles) KeyFile(name string) ([]KeyEntry, error) {
	if !t.Exists(name) {
		return nil, nil
	}
	data, err := t.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return ParseKeyFile(data, name)
}
