// Package cache implements the sequence Record Store: a persistent SQLite
// table fronted by a write-through in-memory mirror.
//
// Every mutation holds the store's write lock across the persistent commit,
// the mirror update and the notification hand-off, so for any single record
// the order of notifications matches the order of commits. A failed commit
// leaves the mirror untouched and produces no notification.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trna-workbench/backend/internal/model"
)

// DefaultExternalBaseURL is the record link base used when none is configured.
const DefaultExternalBaseURL = "https://rnacentral.org/rna"

// Repository is the persistent side of the store.
type Repository interface {
	Upsert(ctx context.Context, rec *model.SequenceRecord) (time.Time, error)
	GetByID(ctx context.Context, id string) (*model.SequenceRecord, error)
	List(ctx context.Context) ([]*model.SequenceRecord, error)
	UpdateToolSlot(ctx context.Context, rec *model.SequenceRecord, slot model.ToolSlot, withPayload bool) error
	DeleteAll(ctx context.Context) (int64, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Count(ctx context.Context) (int, error)
}

// Notifier receives a call after every committed mutation.
type Notifier interface {
	Notify(id string, kind model.ChangeKind)
}

// Config holds configuration for the Record Store.
type Config struct {
	ExternalBaseURL string
	Mappings        Mappings
}

// Size reports how many records each layer holds. The two counts are equal
// whenever the store is operating correctly.
type Size struct {
	MemoryCount     int `json:"memoryCount"`
	PersistentCount int `json:"persistentCount"`
}

// Store is the single source of truth for sequence records.
type Store struct {
	repo     Repository
	log      *zap.Logger
	baseURL  string
	mappings Mappings
	now      func() time.Time

	writeMu sync.Mutex

	mu       sync.RWMutex
	mirror   map[string]*model.SequenceRecord
	notifier Notifier
}

// NewStore creates a Record Store and warms the mirror from the persistent table.
func NewStore(ctx context.Context, repo Repository, log *zap.Logger, config Config) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if config.ExternalBaseURL == "" {
		config.ExternalBaseURL = DefaultExternalBaseURL
	}

	s := &Store{
		repo:     repo,
		log:      log.Named("cache"),
		baseURL:  strings.TrimRight(config.ExternalBaseURL, "/"),
		mappings: config.Mappings,
		now:      time.Now,
		mirror:   make(map[string]*model.SequenceRecord),
	}

	records, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to warm cache: %w", err)
	}
	for _, rec := range records {
		s.mirror[rec.ID] = rec
	}
	s.log.Info("cache warmed", zap.Int("records", len(records)))

	return s, nil
}

// SetNotifier sets the receiver of post-commit notifications. A nil notifier
// disables notifications; mutations still succeed.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// notifyLocked must be called with writeMu held, after the commit succeeded.
func (s *Store) notifyLocked(id string, kind model.ChangeKind) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()

	if n == nil {
		s.log.Debug("no notifier registered, skipping push", zap.String("id", id), zap.String("kind", string(kind)))
		return
	}
	n.Notify(id, kind)
}

// ExternalLink returns the public link for a record id.
func (s *Store) ExternalLink(id string) string {
	return s.baseURL + "/" + id
}

// Upsert creates the record or replaces its base fields. Tool slots and the
// creation time of an existing record are kept.
func (s *Store) Upsert(ctx context.Context, id string, payload model.Payload, locations []string, friendlyName *string) error {
	if id == "" {
		return model.ErrEmptyID
	}

	payload, err := payload.Clone()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec := &model.SequenceRecord{
		ID:            id,
		Payload:       payload,
		LocationCount: len(locations),
		Locations:     append([]string{}, locations...),
		ExternalLink:  s.ExternalLink(id),
		CreatedAt:     s.now().UTC(),
	}
	if friendlyName != nil {
		name := *friendlyName
		rec.FriendlyName = &name
	}

	existing, err := s.loadLocked(ctx, id)
	if err != nil && !errors.Is(err, model.ErrRecordNotFound) {
		return err
	}
	if existing != nil {
		rec.ToolSlots = existing.ToolSlots
		rec.CreatedAt = existing.CreatedAt
	}

	createdAt, err := s.repo.Upsert(ctx, rec)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	rec.CreatedAt = createdAt

	s.mu.Lock()
	s.mirror[id] = rec
	s.mu.Unlock()

	s.log.Debug("record upserted", zap.String("id", id), zap.Int("locations", rec.LocationCount))
	s.notifyLocked(id, model.ChangeUpdate)
	return nil
}

// Add upserts a record whose locations and friendly name come from the
// loaded mapping file. Ids with no mapping get no locations.
func (s *Store) Add(ctx context.Context, id string, payload model.Payload) error {
	m, ok := s.mappings[id]
	if !ok {
		return s.Upsert(ctx, id, payload, nil, nil)
	}
	name := m.FriendlyName
	return s.Upsert(ctx, id, payload, m.Locations, &name)
}

// Get returns the record, or nil when no record exists for id.
func (s *Store) Get(ctx context.Context, id string) (*model.SequenceRecord, error) {
	s.mu.RLock()
	rec, ok := s.mirror[id]
	s.mu.RUnlock()
	if ok {
		return rec.Clone()
	}

	// Miss: fall back to the table under the write lock so a concurrent
	// clear cannot be undone by a stale repopulation.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec, err := s.loadLocked(ctx, id)
	if errors.Is(err, model.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Clone()
}

// Cached returns a copy of the mirrored record, or nil. It never reads the
// table.
func (s *Store) Cached(id string) (*model.SequenceRecord, error) {
	s.mu.RLock()
	rec, ok := s.mirror[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return rec.Clone()
}

// loadLocked returns the committed record from the mirror, or from the table
// (repopulating the mirror). Callers hold writeMu. The result is shared with
// the mirror and must not be mutated.
func (s *Store) loadLocked(ctx context.Context, id string) (*model.SequenceRecord, error) {
	s.mu.RLock()
	rec, ok := s.mirror[id]
	s.mu.RUnlock()
	if ok {
		return rec, nil
	}

	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.mirror[id] = rec
	s.mu.Unlock()
	s.log.Debug("mirror repopulated from table", zap.String("id", id))
	return rec, nil
}

// UpdateToolSlot stores a tool's output in the named slot. The structure slot
// also merges the parsed sequence variant and secondary structure into the
// payload; both changes are written in one statement. Any error means
// nothing changed.
func (s *Store) UpdateToolSlot(ctx context.Context, id string, slot model.ToolSlot, value string) error {
	if !slot.Valid() {
		return fmt.Errorf("%w: %q", model.ErrUnknownToolSlot, slot)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.loadLocked(ctx, id)
	if err != nil {
		return fmt.Errorf("update %s on %s: %w", slot, id, err)
	}

	next, err := current.Clone()
	if err != nil {
		return err
	}

	withPayload := false
	switch slot {
	case model.ToolSlotStructure:
		parsed, err := ParseStructure(value)
		if err != nil {
			return fmt.Errorf("update %s on %s: %w", slot, id, err)
		}
		if next.Payload == nil {
			next.Payload = model.Payload{}
		}
		next.Payload[model.PayloadKeyStructureSequence] = parsed.Sequence
		next.Payload[model.PayloadKeySecondaryStructure] = parsed.SecondaryStructure
		next.ToolSlots.Structure = &value
		withPayload = true
	case model.ToolSlotPositionMap:
		pm := NormalizePositions(value)
		next.ToolSlots.PositionMap = &pm
	case model.ToolSlotTertiaryBlocks:
		next.ToolSlots.TertiaryBlocks = &value
	}

	if err := s.repo.UpdateToolSlot(ctx, next, slot, withPayload); err != nil {
		return fmt.Errorf("update %s on %s: %w", slot, id, err)
	}

	s.mu.Lock()
	s.mirror[id] = next
	s.mu.Unlock()

	s.log.Debug("tool slot updated", zap.String("id", id), zap.String("slot", string(slot)))
	s.notifyLocked(id, model.ChangeUpdate)
	return nil
}

// ClearAll empties the table and the mirror. Clearing an empty store succeeds.
func (s *Store) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	s.mu.Lock()
	s.mirror = make(map[string]*model.SequenceRecord)
	s.mu.Unlock()

	s.log.Info("cache cleared", zap.Int64("records", n))
	s.notifyLocked("", model.ChangeClear)
	return nil
}

// CleanupOlderThan removes records created more than age ago and returns how
// many were removed. Removing anything triggers a clear-kind resync.
func (s *Store) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ids, err := s.repo.DeleteCreatedBefore(ctx, s.now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(s.mirror, id)
	}
	s.mu.Unlock()

	s.log.Info("expired records removed", zap.Int("records", len(ids)), zap.Duration("age", age))
	s.notifyLocked("", model.ChangeClear)
	return len(ids), nil
}

// Size returns the record count of the mirror and of the table.
func (s *Store) Size(ctx context.Context) (Size, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	count, err := s.repo.Count(ctx)
	if err != nil {
		return Size{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Size{MemoryCount: len(s.mirror), PersistentCount: count}, nil
}

// List returns a snapshot of every record ordered by creation time, then id.
func (s *Store) List() ([]*model.SequenceRecord, error) {
	return s.collect(func(*model.SequenceRecord) bool { return true })
}

// Filter returns a snapshot of the records accepted by match, in List order.
func (s *Store) Filter(match func(*model.SequenceRecord) bool) ([]*model.SequenceRecord, error) {
	return s.collect(match)
}

func (s *Store) collect(match func(*model.SequenceRecord) bool) ([]*model.SequenceRecord, error) {
	s.mu.RLock()
	records := make([]*model.SequenceRecord, 0, len(s.mirror))
	for _, rec := range s.mirror {
		if !match(rec) {
			continue
		}
		c, err := rec.Clone()
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		records = append(records, c)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}
