package cache

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxMappingLine bounds one row of the mapping file.
const maxMappingLine = 1 << 20

// Mapping is the location data known for one sequence id.
type Mapping struct {
	Locations    []string
	FriendlyName string
}

// Mappings maps a sequence id ("<urs>_<taxid>") to its locations.
type Mappings map[string]Mapping

// LoadMappings reads a GtRNAdb mapping file from path.
func LoadMappings(path string) (Mappings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping file: %w", err)
	}
	defer f.Close()

	m, err := ParseMappings(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mapping file %s: %w", path, err)
	}
	return m, nil
}

// ParseMappings reads tab-separated rows of the form
//
//	URS \t DB \t GTRNADB:<gene>:<location...> \t TAXID \t ... \t FRIENDLY_NAME
//
// Each line is trimmed and split on tabs; quotes have no special meaning.
// Rows with fewer than five columns are skipped. Each row contributes one
// location: the third column after its second colon. Locations keep file
// order and are not deduplicated, so coordinates that differ only in their
// version suffix stay distinct. The last row's friendly name wins.
func ParseMappings(r io.Reader) (Mappings, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMappingLine)

	out := make(Mappings)
	for scanner.Scan() {
		parts := strings.Split(strings.TrimSpace(scanner.Text()), "\t")
		if len(parts) < 5 {
			continue
		}

		id := parts[0] + "_" + parts[3]

		location := ""
		if segments := strings.Split(parts[2], ":"); len(segments) > 2 {
			location = strings.Join(segments[2:], ":")
		}

		m := out[id]
		m.Locations = append(m.Locations, location)
		m.FriendlyName = parts[len(parts)-1]
		out[id] = m
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
