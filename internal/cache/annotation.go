package cache

import (
	"fmt"
	"strings"

	"github.com/trna-workbench/backend/internal/model"
)

// Structure is the pair extracted from secondary-structure tool output.
type Structure struct {
	Sequence           string
	SecondaryStructure string
}

// ParseStructure extracts the sequence and secondary structure from
// structure tool output. The structure comes from a "Str:" line or from a
// bare bracket line starting with ">>", which is kept whole. Both a sequence
// and a structure must be present.
func ParseStructure(raw string) (Structure, error) {
	var out Structure
	var haveSeq, haveStr bool

	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "Seq: "):
			out.Sequence = strings.TrimSpace(strings.TrimPrefix(line, "Seq: "))
			haveSeq = true
		case strings.HasPrefix(line, "Str: "):
			out.SecondaryStructure = strings.TrimSpace(strings.TrimPrefix(line, "Str: "))
			haveStr = true
		case strings.HasPrefix(line, ">>"):
			out.SecondaryStructure = strings.TrimSpace(line)
			haveStr = true
		}
	}

	if !haveSeq || !haveStr {
		return Structure{}, fmt.Errorf("%w: structure output needs Seq: and Str: lines", model.ErrMalformedAnnotation)
	}
	return out, nil
}

// NormalizePositions strips line breaks and surrounding whitespace from
// position-numbering tool output.
func NormalizePositions(raw string) model.PositionMap {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.NewReplacer("\n", "", "\r", "").Replace(cleaned)
	return model.PositionMap{Positions: cleaned}
}
