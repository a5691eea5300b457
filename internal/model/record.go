package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the free-form sequence document stored with a record.
// The keys written by annotation tools are fixed constants below; everything
// else is whatever the ingestion tool retrieved.
type Payload map[string]any

const (
	// PayloadKeySequence holds the raw nucleotide sequence.
	PayloadKeySequence = "sequence"
	// PayloadKeySecondaryStructure is merged in by the structure tool.
	PayloadKeySecondaryStructure = "secondaryStructure"
	// PayloadKeyStructureSequence is the sequence variant reported by the structure tool.
	PayloadKeyStructureSequence = "structureSequence"
)

// Sequence returns the payload's sequence string, or "" when absent.
func (p Payload) Sequence() string {
	s, _ := p[PayloadKeySequence].(string)
	return s
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() (Payload, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to copy payload: %w", err)
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy payload: %w", err)
	}
	return out, nil
}

// ToolSlot names one of the fixed annotation fields of a record.
type ToolSlot string

const (
	ToolSlotStructure      ToolSlot = "structure"
	ToolSlotPositionMap    ToolSlot = "positionMap"
	ToolSlotTertiaryBlocks ToolSlot = "tertiaryBlocks"
)

// ToolSlotNames lists every valid tool slot.
var ToolSlotNames = []ToolSlot{ToolSlotStructure, ToolSlotPositionMap, ToolSlotTertiaryBlocks}

// Valid reports whether s is one of the fixed tool slots.
func (s ToolSlot) Valid() bool {
	for _, name := range ToolSlotNames {
		if s == name {
			return true
		}
	}
	return false
}

// ParseToolSlot returns the tool slot called name.
func ParseToolSlot(name string) (ToolSlot, error) {
	s := ToolSlot(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q (want one of %v)", ErrUnknownToolSlot, name, ToolSlotNames)
	}
	return s, nil
}

// PositionMap is the normalized output of the position-numbering tool.
type PositionMap struct {
	Positions string `json:"positions"`
}

// ToolSlots holds the optional per-record annotations. A nil field means the
// tool has not produced output for this record yet.
type ToolSlots struct {
	Structure      *string      `json:"structure"`
	PositionMap    *PositionMap `json:"positionMap"`
	TertiaryBlocks *string      `json:"tertiaryBlocks"`
}

// SequenceRecord is one cached sequence plus its derived annotations.
type SequenceRecord struct {
	ID            string    `json:"id"`
	Payload       Payload   `json:"payload"`
	LocationCount int       `json:"locationCount"`
	Locations     []string  `json:"locations"`
	FriendlyName  *string   `json:"friendlyName"`
	ExternalLink  string    `json:"externalLink"`
	ToolSlots     ToolSlots `json:"toolSlots"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Clone returns a deep copy so callers can never mutate a cached record.
func (r *SequenceRecord) Clone() (*SequenceRecord, error) {
	payload, err := r.Payload.Clone()
	if err != nil {
		return nil, err
	}

	out := *r
	out.Payload = payload
	out.Locations = append([]string(nil), r.Locations...)
	if out.Locations == nil {
		out.Locations = []string{}
	}
	if r.FriendlyName != nil {
		name := *r.FriendlyName
		out.FriendlyName = &name
	}
	if r.ToolSlots.Structure != nil {
		v := *r.ToolSlots.Structure
		out.ToolSlots.Structure = &v
	}
	if r.ToolSlots.PositionMap != nil {
		v := *r.ToolSlots.PositionMap
		out.ToolSlots.PositionMap = &v
	}
	if r.ToolSlots.TertiaryBlocks != nil {
		v := *r.ToolSlots.TertiaryBlocks
		out.ToolSlots.TertiaryBlocks = &v
	}
	return &out, nil
}

// LocationsToJSON serializes the location list for storage.
func (r *SequenceRecord) LocationsToJSON() (string, error) {
	locations := r.Locations
	if locations == nil {
		locations = []string{}
	}
	data, err := json.Marshal(locations)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// LocationsFromJSON parses a stored location list.
func (r *SequenceRecord) LocationsFromJSON(data string) error {
	r.Locations = []string{}
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), &r.Locations)
}

// ChangeKind classifies a committed mutation for the notification path.
type ChangeKind string

const (
	ChangeUpdate ChangeKind = "update"
	ChangeClear  ChangeKind = "clear"
)
