package tools

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trna-workbench/backend/internal/cache"
	"github.com/trna-workbench/backend/internal/db"
	"github.com/trna-workbench/backend/internal/model"
	"github.com/trna-workbench/backend/internal/repository"
	"github.com/trna-workbench/backend/internal/worker"
)

type fakeAnnotator struct {
	slot  model.ToolSlot
	value string
	err   error
}

func (f *fakeAnnotator) Name() string         { return "fake" }
func (f *fakeAnnotator) Slot() model.ToolSlot { return f.slot }
func (f *fakeAnnotator) Annotate(context.Context, *model.SequenceRecord) (string, error) {
	return f.value, f.err
}

func setupRunner(t *testing.T) (*Runner, *cache.Store, *worker.Pool) {
	t.Helper()
	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := cache.NewStore(context.Background(), repository.NewSequenceRepository(database), nil, cache.Config{})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), "URS0001_9606", model.Payload{"sequence": "GCAUUGG"}, nil, nil))

	pool := worker.New(2, nil)
	t.Cleanup(pool.Close)
	return NewRunner(store, pool, nil), store, pool
}

func TestRunner_Run(t *testing.T) {
	runner, store, _ := setupRunner(t)
	ctx := context.Background()

	t.Run("stores output", func(t *testing.T) {
		res := runner.Run(ctx, "URS0001_9606", &fakeAnnotator{slot: model.ToolSlotStructure, value: "Seq: GCAUUGG\nStr: ((...))\n"})
		require.NoError(t, res.Err)

		rec, err := store.Get(ctx, "URS0001_9606")
		require.NoError(t, err)
		require.NotNil(t, rec.ToolSlots.Structure)
		assert.Equal(t, "((...))", rec.Payload[model.PayloadKeySecondaryStructure])
	})

	t.Run("tool error leaves record unchanged", func(t *testing.T) {
		res := runner.Run(ctx, "URS0001_9606", &fakeAnnotator{slot: model.ToolSlotTertiaryBlocks, err: errors.New("tool crashed")})
		assert.ErrorContains(t, res.Err, "tool crashed")

		rec, err := store.Get(ctx, "URS0001_9606")
		require.NoError(t, err)
		assert.Nil(t, rec.ToolSlots.TertiaryBlocks)
	})

	t.Run("unknown record", func(t *testing.T) {
		res := runner.Run(ctx, "URS9999_9606", &fakeAnnotator{slot: model.ToolSlotTertiaryBlocks, value: "x"})
		assert.ErrorIs(t, res.Err, model.ErrRecordNotFound)
	})
}

func TestRunner_Dispatch(t *testing.T) {
	runner, store, _ := setupRunner(t)

	done := make(chan Result, 1)
	require.NoError(t, runner.Dispatch("URS0001_9606", &fakeAnnotator{slot: model.ToolSlotPositionMap, value: "1-72\r\n"}, func(r Result) { done <- r }))

	select {
	case res := <-done:
		require.NoError(t, res.Err)
		assert.Equal(t, model.ToolSlotPositionMap, res.Slot)
	case <-time.After(2 * time.Second):
		t.Fatal("annotation did not finish")
	}

	rec, err := store.Get(context.Background(), "URS0001_9606")
	require.NoError(t, err)
	require.NotNil(t, rec.ToolSlots.PositionMap)
	assert.Equal(t, "1-72", rec.ToolSlots.PositionMap.Positions)
}

func TestCommand_Annotate(t *testing.T) {
	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	runner, store, _ := setupRunner(t)

	res := runner.Run(context.Background(), "URS0001_9606", &Command{Path: path, Target: model.ToolSlotTertiaryBlocks})
	require.NoError(t, res.Err)
	assert.Equal(t, "cat", res.Tool)

	rec, err := store.Get(context.Background(), "URS0001_9606")
	require.NoError(t, err)
	require.NotNil(t, rec.ToolSlots.TertiaryBlocks)
	assert.Equal(t, "GCAUUGG\n", *rec.ToolSlots.TertiaryBlocks)
}

func TestCommand_FailureKeepsStderrTail(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	cmd := &Command{
		Path:        sh,
		Args:        []string{"-c", `printf 'noise-noise-noise-' >&2; printf 'bad fold' >&2; exit 3`},
		Target:      model.ToolSlotTertiaryBlocks,
		StderrLimit: 8,
	}
	rec := &model.SequenceRecord{ID: "URS0001_9606", Payload: model.Payload{"sequence": "GCAUUGG"}}

	_, err = cmd.Annotate(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "...bad fold")
	assert.NotContains(t, err.Error(), "noise")
}
