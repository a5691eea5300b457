package search

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/trna-workbench/backend/internal/cache"
	"github.com/trna-workbench/backend/internal/model"
)

// Result statuses.
const (
	StatusFound     = "found"
	StatusNotFound  = "not_found"
	StatusAmbiguous = "ambiguous"
)

// Source supplies record snapshots.
type Source interface {
	Filter(match func(*model.SequenceRecord) bool) ([]*model.SequenceRecord, error)
}

// Result is the answer to one query.
type Result struct {
	Query   string                `json:"query"`
	Status  string                `json:"status"`
	Matches int                   `json:"matches"`
	Record  *model.SequenceRecord `json:"record,omitempty"`
	Note    string                `json:"note,omitempty"`
	Ignored []string              `json:"ignoredFields,omitempty"`
}

// Processor runs query messages against the Record Store.
type Processor struct {
	source Source
	log    *zap.Logger
}

// NewProcessor creates a Processor reading from source.
func NewProcessor(source Source, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{source: source, log: log.Named("search")}
}

// Run executes every query in message.
func (p *Processor) Run(ctx context.Context, message string) ([]Result, error) {
	queries, err := Parse(message)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(queries))
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(q.Ignored) > 0 {
			p.log.Warn("unsupported search fields ignored", zap.Strings("fields", q.Ignored))
		}

		match, err := compile(q)
		if err != nil {
			return nil, err
		}
		records, err := p.source.Filter(match)
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", q.Key(), err)
		}

		res := Result{Query: q.Key(), Matches: len(records), Ignored: q.Ignored}
		switch len(records) {
		case 0:
			res.Status = StatusNotFound
			res.Note = "no results found, fetch the sequence first"
		case 1:
			res.Status = StatusFound
			res.Record = records[0]
		default:
			res.Status = StatusAmbiguous
			res.Note = "multiple results found, a more specific query is needed"
		}
		results = append(results, res)
	}
	return results, nil
}

// Process executes message and encodes the results as JSON.
func (p *Processor) Process(ctx context.Context, message string) (string, error) {
	results, err := p.Run(ctx, message)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(struct {
		Results []Result `json:"results"`
	}{results})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func compile(q Query) (func(*model.SequenceRecord) bool, error) {
	matchers := make([]func(*model.SequenceRecord) bool, 0, len(q.Terms))
	for _, t := range q.Terms {
		m, err := cache.Matcher(t.Field, t.Value)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}

	if q.Operation == OperationOr {
		return func(r *model.SequenceRecord) bool {
			for _, m := range matchers {
				if m(r) {
					return true
				}
			}
			return false
		}, nil
	}
	return func(r *model.SequenceRecord) bool {
		for _, m := range matchers {
			if !m(r) {
				return false
			}
		}
		return true
	}, nil
}
