package cache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/trna-workbench/backend/internal/model"
)

// Searchable record fields.
const (
	FieldID            = "id"
	FieldFriendlyName  = "friendlyName"
	FieldExternalLink  = "externalLink"
	FieldLocations     = "locations"
	FieldLocationCount = "locationCount"
)

// ErrUnknownField is returned when searching on a field that is not searchable.
var ErrUnknownField = errors.New("unknown search field")

// Search returns records whose field matches value. String fields match on
// case-insensitive substring; locationCount matches an exact integer.
func (s *Store) Search(field, value string) ([]*model.SequenceRecord, error) {
	match, err := Matcher(field, value)
	if err != nil {
		return nil, err
	}
	return s.collect(match)
}

// Matcher returns a predicate testing one record field against value.
func Matcher(field, value string) (func(*model.SequenceRecord) bool, error) {
	needle := strings.ToLower(value)
	contains := func(haystack string) bool {
		return strings.Contains(strings.ToLower(haystack), needle)
	}

	switch field {
	case FieldID:
		return func(r *model.SequenceRecord) bool { return contains(r.ID) }, nil
	case FieldFriendlyName:
		return func(r *model.SequenceRecord) bool {
			return r.FriendlyName != nil && contains(*r.FriendlyName)
		}, nil
	case FieldExternalLink:
		return func(r *model.SequenceRecord) bool { return contains(r.ExternalLink) }, nil
	case FieldLocations:
		return func(r *model.SequenceRecord) bool {
			for _, loc := range r.Locations {
				if contains(loc) {
					return true
				}
			}
			return false
		}, nil
	case FieldLocationCount:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return func(*model.SequenceRecord) bool { return false }, nil
		}
		return func(r *model.SequenceRecord) bool { return r.LocationCount == n }, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
}
