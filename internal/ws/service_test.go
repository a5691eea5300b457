package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/trna-workbench/backend/internal/auth"
	"github.com/trna-workbench/backend/internal/bridge"
	"github.com/trna-workbench/backend/internal/cache"
	"github.com/trna-workbench/backend/internal/db"
	"github.com/trna-workbench/backend/internal/metrics"
	"github.com/trna-workbench/backend/internal/model"
	"github.com/trna-workbench/backend/internal/repository"
	"github.com/trna-workbench/backend/internal/search"
	"github.com/trna-workbench/backend/internal/worker"
)

const testSecret = "s3cret"

type testEnv struct {
	store      *cache.Store
	auth       *auth.Authenticator
	service    *Service
	server     *httptest.Server
	terminated *int32
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	database, err := db.NewTestDB()
	require.NoError(t, err)

	store, err := cache.NewStore(ctx, repository.NewSequenceRepository(database), nil, cache.Config{})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, "URS0001_9606", model.Payload{"sequence": "GCAUUGG"}, []string{"chr1:1-72"}, nil))

	m := metrics.New()
	b := bridge.New(nil, m)
	store.SetNotifier(b)

	var terminated int32
	authn, err := auth.New(auth.Config{
		Secret:     testSecret,
		BcryptCost: bcrypt.MinCost,
		Terminate:  func() { atomic.AddInt32(&terminated, 1) },
	}, nil, m)
	require.NoError(t, err)

	pool := worker.New(2, nil)
	svc, err := NewService(Config{
		Store:     store,
		Bridge:    b,
		Auth:      authn,
		Pool:      pool,
		Processor: search.NewProcessor(store, nil),
		Metrics:   m,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	go svc.Run(runCtx)
	server := httptest.NewServer(svc.Handler())

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-svc.Hub().Done()
		pool.Close()
		database.Close()
	})

	return &testEnv{store: store, auth: authn, service: svc, server: server, terminated: &terminated}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type envelope struct {
	Type    MessageType             `json:"type"`
	Success bool                    `json:"success"`
	Token   string                  `json:"token"`
	Reason  string                  `json:"reason"`
	Message string                  `json:"message"`
	ID      string                  `json:"id"`
	Record  *model.SequenceRecord   `json:"record"`
	Records []*model.SequenceRecord `json:"records"`
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func receive(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func authenticate(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	send(t, conn, map[string]string{"type": "auth", "secret": testSecret})

	result := receive(t, conn)
	require.Equal(t, MessageTypeAuthResult, result.Type)
	require.True(t, result.Success)
	require.NotEmpty(t, result.Token)

	full := receive(t, conn)
	require.Equal(t, MessageTypeFullState, full.Type)
	return result.Token
}

func TestService_AuthenticateReceivesFullState(t *testing.T) {
	env := setupService(t)
	conn := env.dial(t)

	send(t, conn, map[string]string{"type": "auth", "secret": "wrong"})
	failed := receive(t, conn)
	assert.Equal(t, MessageTypeAuthResult, failed.Type)
	assert.False(t, failed.Success)
	assert.Equal(t, ReasonInvalidSecret, failed.Reason)

	send(t, conn, map[string]string{"type": "auth", "secret": testSecret})
	ok := receive(t, conn)
	require.True(t, ok.Success)
	assert.NoError(t, env.auth.Verify(ok.Token))

	full := receive(t, conn)
	require.Equal(t, MessageTypeFullState, full.Type)
	require.Len(t, full.Records, 1)
	assert.Equal(t, "URS0001_9606", full.Records[0].ID)
}

func TestService_RecordUpdateFromWorker(t *testing.T) {
	env := setupService(t)
	authed := env.dial(t)
	anonymous := env.dial(t)
	authenticate(t, authed)

	done := make(chan error, 1)
	go func() {
		done <- env.store.UpdateToolSlot(context.Background(), "URS0001_9606", model.ToolSlotTertiaryBlocks, "blocks")
	}()
	require.NoError(t, <-done)

	update := receive(t, authed)
	require.Equal(t, MessageTypeRecordUpdate, update.Type)
	assert.Equal(t, "URS0001_9606", update.ID)
	require.NotNil(t, update.Record.ToolSlots.TertiaryBlocks)
	assert.Equal(t, "blocks", *update.Record.ToolSlots.TertiaryBlocks)

	// The unauthenticated connection got nothing before this reply.
	send(t, anonymous, map[string]string{"type": "query", "message": `id:"URS0001"`})
	reply := receive(t, anonymous)
	assert.Equal(t, MessageTypeAuthResult, reply.Type)
	assert.Equal(t, ReasonInvalidToken, reply.Reason)
}

func TestService_Query(t *testing.T) {
	env := setupService(t)
	conn := env.dial(t)
	token := authenticate(t, conn)

	send(t, conn, map[string]string{"type": "query", "token": "forged", "message": `id:"URS0001"`})
	rejected := receive(t, conn)
	assert.Equal(t, MessageTypeAuthResult, rejected.Type)
	assert.False(t, rejected.Success)

	// The connection stays usable after a rejected message.
	send(t, conn, map[string]string{"type": "query", "token": token, "message": `CHECK_DB sequence_id:"URS0001_9606"`})
	resp := receive(t, conn)
	require.Equal(t, MessageTypeResponse, resp.Type)
	assert.Contains(t, resp.Message, `"status":"found"`)

	send(t, conn, map[string]string{"type": "query", "token": token, "message": "no terms here"})
	failed := receive(t, conn)
	assert.Equal(t, MessageTypeError, failed.Type)
	assert.Contains(t, failed.Message, search.ErrNoTerms.Error())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	malformed := receive(t, conn)
	assert.Equal(t, MessageTypeError, malformed.Type)
}

func TestService_ClearResyncsEverySession(t *testing.T) {
	env := setupService(t)
	first := env.dial(t)
	second := env.dial(t)
	authenticate(t, first)
	authenticate(t, second)

	require.NoError(t, env.store.ClearAll(context.Background()))

	for _, conn := range []*websocket.Conn{first, second} {
		notice := receive(t, conn)
		assert.Equal(t, MessageTypeClearNotice, notice.Type)

		full := receive(t, conn)
		require.Equal(t, MessageTypeFullState, full.Type)
		assert.NotNil(t, full.Records)
		assert.Empty(t, full.Records)
	}
}

func TestService_DisconnectRevokesToken(t *testing.T) {
	env := setupService(t)
	conn := env.dial(t)
	token := authenticate(t, conn)

	connected, authenticated := env.service.Hub().Registry().Counts()
	assert.Equal(t, 1, connected)
	assert.Equal(t, 1, authenticated)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return env.auth.Verify(token) != nil && env.service.Hub().Registry().Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestService_LockoutTerminates(t *testing.T) {
	env := setupService(t)
	conn := env.dial(t)

	for i := 0; i < auth.FailureThreshold; i++ {
		send(t, conn, map[string]string{"type": "auth", "secret": "guess"})
		result := receive(t, conn)
		require.False(t, result.Success)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(env.terminated))
}
