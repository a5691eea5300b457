package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/trna-workbench/backend/api/handlers"
	"github.com/trna-workbench/backend/internal/auth"
	"github.com/trna-workbench/backend/internal/bridge"
	"github.com/trna-workbench/backend/internal/cache"
	"github.com/trna-workbench/backend/internal/config"
	"github.com/trna-workbench/backend/internal/db"
	"github.com/trna-workbench/backend/internal/metrics"
	"github.com/trna-workbench/backend/internal/model"
	"github.com/trna-workbench/backend/internal/repository"
	"github.com/trna-workbench/backend/internal/tools"
	"github.com/trna-workbench/backend/internal/worker"
	"github.com/trna-workbench/backend/internal/ws"
)

type staticVerifier string

func (v staticVerifier) Verify(token string) error {
	if token != string(v) {
		return model.ErrInvalidToken
	}
	return nil
}

func setupStore(t *testing.T) *cache.Store {
	t.Helper()
	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := cache.NewStore(context.Background(), repository.NewSequenceRepository(database), nil, cache.Config{
		Mappings: cache.Mappings{"URS0002_9606": {Locations: []string{"chr2:10-82"}, FriendlyName: "tRNA-Gly-GCC-1-1"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), "URS0001_9606", model.Payload{"sequence": "GCAUUGG"}, []string{"chr1:1-72"}, nil))
	return store
}

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	r, _ := setupRouterWith(t, nil)
	return r
}

func setupRouterWith(t *testing.T, annotators map[model.ToolSlot]tools.Annotator) (*gin.Engine, *cache.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := setupStore(t)
	pool := worker.New(1, nil)
	t.Cleanup(pool.Close)

	return newRouter(routerDeps{
		store:      store,
		verifier:   staticVerifier("good-token"),
		dispatcher: tools.NewRunner(store, pool, nil),
		annotators: annotators,
		metrics:    metrics.New(),
		log:        zap.NewNop(),
	}), store
}

func doRequest(r http.Handler, path, token string) *httptest.ResponseRecorder {
	return doJSON(r, http.MethodGet, path, token, "")
}

func doJSON(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_PublicEndpoints(t *testing.T) {
	r := setupRouter(t)

	w := doRequest(r, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = doRequest(r, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRouter_APIRequiresToken(t *testing.T) {
	r := setupRouter(t)

	for _, token := range []string{"", "forged"} {
		w := doRequest(r, "/api/cache/size", token)
		require.Equal(t, http.StatusUnauthorized, w.Code)

		var resp handlers.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Error.Code)
	}
}

func TestRouter_SequenceEndpoints(t *testing.T) {
	r := setupRouter(t)

	w := doRequest(r, "/api/cache/size", "good-token")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"memoryCount":1,"persistentCount":1}`, w.Body.String())

	w = doRequest(r, "/api/sequences/URS0001_9606", "good-token")
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.SequenceRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "URS0001_9606", rec.ID)

	w = doRequest(r, "/api/sequences/URS9999_9606", "good-token")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(r, "/api/sequences?field=locations&value=CHR1", "good-token")
	require.Equal(t, http.StatusOK, w.Code)
	var list handlers.ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = doRequest(r, "/api/sequences?field=bogus&value=x", "good-token")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, "/api/sequences?field=id", "good-token")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_MutationEndpoints(t *testing.T) {
	r, store := setupRouterWith(t, nil)
	ctx := context.Background()

	// No locations given: they come from the mapping file.
	w := doJSON(r, http.MethodPut, "/api/sequences/URS0002_9606", "good-token", `{"payload":{"sequence":"GCGCC"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec model.SequenceRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, []string{"chr2:10-82"}, rec.Locations)
	require.NotNil(t, rec.FriendlyName)
	assert.Equal(t, "tRNA-Gly-GCC-1-1", *rec.FriendlyName)

	w = doJSON(r, http.MethodPut, "/api/sequences/URS0003_9606", "good-token", `{"payload":{"sequence":"AC"},"locations":["a","b"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, 2, rec.LocationCount)

	w = doJSON(r, http.MethodPut, "/api/sequences/URS0003_9606", "good-token", `{"locations":["a"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPut, "/api/sequences/URS0001_9606/slots/structure", "good-token", `{"value":"Seq: GCAUUGG\n>>..<<.\n"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.NotNil(t, rec.ToolSlots.Structure)
	assert.Equal(t, ">>..<<.", rec.Payload[model.PayloadKeySecondaryStructure])

	w = doJSON(r, http.MethodPut, "/api/sequences/URS0001_9606/slots/bogus", "good-token", `{"value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(r, http.MethodPut, "/api/sequences/URS0001_9606/slots/structure", "good-token", `{"value":"no structure here"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = doJSON(r, http.MethodPut, "/api/sequences/URS9999_9606/slots/positionMap", "good-token", `{"value":"1 2 3"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodPost, "/api/cache/cleanup?olderThan=soon", "good-token", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(r, http.MethodPost, "/api/cache/cleanup?olderThan=1h", "good-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":0}`, w.Body.String())

	w = doJSON(r, http.MethodDelete, "/api/cache", "good-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	size, err := store.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, cache.Size{}, size)

	w = doJSON(r, http.MethodDelete, "/api/cache", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_AnnotationEndpoint(t *testing.T) {
	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	r, store := setupRouterWith(t, map[model.ToolSlot]tools.Annotator{
		model.ToolSlotTertiaryBlocks: &tools.Command{Path: path, Target: model.ToolSlotTertiaryBlocks},
	})

	w := doJSON(r, http.MethodPost, "/api/sequences/URS0001_9606/annotations/tertiaryBlocks", "good-token", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted handlers.AnnotationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, "cat", accepted.Tool)

	require.Eventually(t, func() bool {
		rec, err := store.Get(context.Background(), "URS0001_9606")
		return err == nil && rec.ToolSlots.TertiaryBlocks != nil && *rec.ToolSlots.TertiaryBlocks == "GCAUUGG\n"
	}, 3*time.Second, 10*time.Millisecond)

	w = doJSON(r, http.MethodPost, "/api/sequences/URS0001_9606/annotations/structure", "good-token", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	w = doJSON(r, http.MethodPost, "/api/sequences/URS0001_9606/annotations/bogus", "good-token", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(r, http.MethodPost, "/api/sequences/URS9999_9606/annotations/tertiaryBlocks", "good-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type socketMessage struct {
	Type    string                  `json:"type"`
	Success bool                    `json:"success"`
	Token   string                  `json:"token"`
	ID      string                  `json:"id"`
	Record  *model.SequenceRecord   `json:"record"`
	Records []*model.SequenceRecord `json:"records"`
}

func readSocket(t *testing.T, conn *websocket.Conn) socketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg socketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// HTTP writes made against a running server reach authenticated sockets
// through the notification bridge and the event loop.
func TestServe_HTTPChangesReachSockets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catPath, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}

	store := setupStore(t)
	m := metrics.New()
	notifications := bridge.New(nil, m)
	store.SetNotifier(notifications)

	authn, err := auth.New(auth.Config{Secret: "s3cret", BcryptCost: bcrypt.MinCost, Terminate: func() {}}, nil, m)
	require.NoError(t, err)

	pool := worker.New(2, nil)
	service, err := ws.NewService(ws.Config{Store: store, Bridge: notifications, Auth: authn, Pool: pool, Metrics: m})
	require.NoError(t, err)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	go service.Run(loopCtx)

	router := newRouter(routerDeps{
		store:      store,
		verifier:   authn,
		dispatcher: tools.NewRunner(store, pool, nil),
		annotators: map[model.ToolSlot]tools.Annotator{
			model.ToolSlotTertiaryBlocks: &tools.Command{Path: catPath, Target: model.ToolSlotTertiaryBlocks},
		},
		socket:  service.Handler(),
		metrics: m,
		log:     zap.NewNop(),
	})
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		stopLoop()
		<-service.Hub().Done()
		pool.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "secret": "s3cret"}))
	result := readSocket(t, conn)
	require.Equal(t, "auth-result", result.Type)
	require.True(t, result.Success)
	full := readSocket(t, conn)
	require.Equal(t, "full-state", full.Type)
	require.Len(t, full.Records, 1)

	call := func(method, path, body string) {
		t.Helper()
		req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+result.Token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Less(t, resp.StatusCode, 300, "%s %s", method, path)
	}

	call(http.MethodPut, "/api/sequences/URS0002_9606", `{"payload":{"sequence":"GCGCC"}}`)
	update := readSocket(t, conn)
	require.Equal(t, "record-update", update.Type)
	assert.Equal(t, "URS0002_9606", update.ID)
	assert.Equal(t, 1, update.Record.LocationCount)

	call(http.MethodPut, "/api/sequences/URS0002_9606/slots/positionMap", `{"value":"1 2\n3"}`)
	update = readSocket(t, conn)
	require.Equal(t, "record-update", update.Type)
	require.NotNil(t, update.Record.ToolSlots.PositionMap)
	assert.Equal(t, "1 23", update.Record.ToolSlots.PositionMap.Positions)

	// The annotation runs on a worker goroutine.
	call(http.MethodPost, "/api/sequences/URS0001_9606/annotations/tertiaryBlocks", "")
	update = readSocket(t, conn)
	require.Equal(t, "record-update", update.Type)
	assert.Equal(t, "URS0001_9606", update.ID)
	require.NotNil(t, update.Record.ToolSlots.TertiaryBlocks)
	assert.Equal(t, "GCAUUGG\n", *update.Record.ToolSlots.TertiaryBlocks)

	call(http.MethodDelete, "/api/cache", "")
	assert.Equal(t, "clear-notice", readSocket(t, conn).Type)
	resync := readSocket(t, conn)
	require.Equal(t, "full-state", resync.Type)
	assert.Empty(t, resync.Records)
}

// While the server holds the database, the offline cache commands cannot
// change it behind the server's in-memory mirror.
func TestServeStore_LocksOutCacheCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	t.Setenv("MAPPING_FILE", "")
	t.Setenv("DB_PATH", dbPath)

	cfg, err := config.Load()
	require.NoError(t, err)

	store, closeDB, err := openStore(context.Background(), cfg, zap.NewNop(), true)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), "X", model.Payload{"sequence": "ACGU"}, nil, nil))

	_, err = runCLI(t, "cache", "clear", "--db", dbPath)
	require.Error(t, err)
	assert.ErrorContains(t, err, "in use by another process")

	size, err := store.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cache.Size{MemoryCount: 1, PersistentCount: 1}, size)

	require.NoError(t, closeDB())

	out, err := runCLI(t, "cache", "clear", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "cache cleared")
}
