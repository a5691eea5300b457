// Package search answers free-text cache queries of the form
//
//	CHECK_DB friendly_name:"tRNA-Leu-CAA" operation:"OR" NEXT_QUERY id:"URS0000"
//
// Each query is a set of field:"value" terms combined with AND (default) or
// OR. Several queries are separated by NEXT_QUERY.
package search

import (
	"errors"
	"regexp"
	"strings"

	"github.com/trna-workbench/backend/internal/cache"
)

const (
	// Flag optionally prefixes a query message.
	Flag = "CHECK_DB"
	// Separator splits a message into independent queries.
	Separator = "NEXT_QUERY"
)

// Operation combines the terms of one query.
type Operation string

const (
	OperationAnd Operation = "AND"
	OperationOr  Operation = "OR"
)

// ErrNoTerms is returned when a message contains no usable search term.
var ErrNoTerms = errors.New("no valid search terms provided")

var termPattern = regexp.MustCompile(`(\w+):\s*"([^"]+)"`)

// Field names accepted in queries, mapped to record fields.
var fieldAliases = map[string]string{
	"id":              cache.FieldID,
	"sequence_id":     cache.FieldID,
	"friendlyname":    cache.FieldFriendlyName,
	"friendly_name":   cache.FieldFriendlyName,
	"externallink":    cache.FieldExternalLink,
	"rnacentral_link": cache.FieldExternalLink,
	"locations":       cache.FieldLocations,
	"locationcount":   cache.FieldLocationCount,
	"num_locations":   cache.FieldLocationCount,
}

// Term is one field:"value" pair.
type Term struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Query is a set of terms and how to combine them.
type Query struct {
	Terms     []Term    `json:"terms"`
	Operation Operation `json:"operation"`
	// Ignored lists field names that are not searchable.
	Ignored []string `json:"ignored,omitempty"`
}

// Key is a readable label for the query.
func (q Query) Key() string {
	values := make([]string, len(q.Terms))
	for i, t := range q.Terms {
		values[i] = t.Value
	}
	return strings.Join(values, " "+string(q.Operation)+" ")
}

// Parse splits message into queries. Queries without a searchable term are
// skipped; if none remain, ErrNoTerms is returned.
func Parse(message string) ([]Query, error) {
	body := strings.TrimSpace(message)
	body = strings.TrimSpace(strings.TrimPrefix(body, Flag))

	var queries []Query
	for _, part := range strings.Split(body, Separator) {
		q := Query{Operation: OperationAnd}
		for _, m := range termPattern.FindAllStringSubmatch(part, -1) {
			name, value := strings.ToLower(m[1]), m[2]
			if name == "operation" {
				if strings.EqualFold(value, string(OperationOr)) {
					q.Operation = OperationOr
				}
				continue
			}
			field, ok := fieldAliases[name]
			if !ok {
				q.Ignored = append(q.Ignored, m[1])
				continue
			}
			q.Terms = append(q.Terms, Term{Field: field, Value: value})
		}
		if len(q.Terms) > 0 {
			queries = append(queries, q)
		}
	}

	if len(queries) == 0 {
		return nil, ErrNoTerms
	}
	return queries, nil
}
