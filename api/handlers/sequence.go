package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trna-workbench/backend/internal/cache"
	"github.com/trna-workbench/backend/internal/model"
)

// SequenceStore is the part of the Record Store served over HTTP.
type SequenceStore interface {
	Get(ctx context.Context, id string) (*model.SequenceRecord, error)
	List() ([]*model.SequenceRecord, error)
	Search(field, value string) ([]*model.SequenceRecord, error)
	Size(ctx context.Context) (cache.Size, error)

	Add(ctx context.Context, id string, payload model.Payload) error
	Upsert(ctx context.Context, id string, payload model.Payload, locations []string, friendlyName *string) error
	UpdateToolSlot(ctx context.Context, id string, slot model.ToolSlot, value string) error
	ClearAll(ctx context.Context) error
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// SequenceHandler handles HTTP access to cached sequence records. Every
// change goes through the Record Store, so connected clients are notified.
type SequenceHandler struct {
	store SequenceStore
}

// NewSequenceHandler creates a new SequenceHandler.
func NewSequenceHandler(store SequenceStore) *SequenceHandler {
	return &SequenceHandler{store: store}
}

// PutSequenceRequest is the body of PUT /api/sequences/:id. Without
// locations and friendlyName, both come from the loaded mapping file.
type PutSequenceRequest struct {
	Payload      model.Payload `json:"payload" binding:"required"`
	Locations    []string      `json:"locations"`
	FriendlyName *string       `json:"friendlyName"`
}

// PutToolSlotRequest is the body of PUT /api/sequences/:id/slots/:slot.
type PutToolSlotRequest struct {
	Value string `json:"value" binding:"required"`
}

// CleanupResponse reports how many records a cleanup removed.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

// ListResponse represents a list of records.
type ListResponse struct {
	Records []*model.SequenceRecord `json:"records"`
	Total   int                     `json:"total"`
}

// Get handles GET /api/sequences/:id.
func (h *SequenceHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Sequence ID is required")
		return
	}

	rec, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get sequence: "+err.Error())
		return
	}
	if rec == nil {
		sendError(c, http.StatusNotFound, "SEQUENCE_NOT_FOUND", "Sequence "+id+" not found")
		return
	}

	c.JSON(http.StatusOK, rec)
}

// List handles GET /api/sequences. With field and value query parameters it
// searches instead of listing everything.
func (h *SequenceHandler) List(c *gin.Context) {
	field, value := c.Query("field"), c.Query("value")

	var (
		records []*model.SequenceRecord
		err     error
	)
	switch {
	case field == "" && value == "":
		records, err = h.store.List()
	case field == "" || value == "":
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Both field and value are required to search")
		return
	default:
		records, err = h.store.Search(field, value)
	}

	if err != nil {
		if errors.Is(err, cache.ErrUnknownField) {
			sendError(c, http.StatusBadRequest, "UNKNOWN_FIELD", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sequences: "+err.Error())
		return
	}
	if records == nil {
		records = []*model.SequenceRecord{}
	}

	c.JSON(http.StatusOK, ListResponse{Records: records, Total: len(records)})
}

// Size handles GET /api/cache/size.
func (h *SequenceHandler) Size(c *gin.Context) {
	size, err := h.store.Size(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count records: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, size)
}

// Put handles PUT /api/sequences/:id.
func (h *SequenceHandler) Put(c *gin.Context) {
	id := c.Param("id")

	var req PutSequenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	var err error
	if req.Locations == nil && req.FriendlyName == nil {
		err = h.store.Add(ctx, id, req.Payload)
	} else {
		err = h.store.Upsert(ctx, id, req.Payload, req.Locations, req.FriendlyName)
	}
	if err != nil {
		sendStoreError(c, id, err)
		return
	}

	rec, err := h.store.Get(ctx, id)
	if err != nil || rec == nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Stored sequence could not be read back")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// PutToolSlot handles PUT /api/sequences/:id/slots/:slot. The body carries
// raw tool output produced elsewhere.
func (h *SequenceHandler) PutToolSlot(c *gin.Context) {
	id := c.Param("id")
	slot, err := model.ParseToolSlot(c.Param("slot"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "UNKNOWN_TOOL_SLOT", err.Error())
		return
	}

	var req PutToolSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if err := h.store.UpdateToolSlot(c.Request.Context(), id, slot, req.Value); err != nil {
		sendStoreError(c, id, err)
		return
	}

	rec, err := h.store.Get(c.Request.Context(), id)
	if err != nil || rec == nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Updated sequence could not be read back")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Clear handles DELETE /api/cache.
func (h *SequenceHandler) Clear(c *gin.Context) {
	if err := h.store.ClearAll(c.Request.Context()); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clear cache: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// Cleanup handles POST /api/cache/cleanup?olderThan=720h.
func (h *SequenceHandler) Cleanup(c *gin.Context) {
	age, err := time.ParseDuration(c.DefaultQuery("olderThan", "720h"))
	if err != nil || age <= 0 {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "olderThan must be a positive duration")
		return
	}

	n, err := h.store.CleanupOlderThan(c.Request.Context(), age)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clean up cache: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, CleanupResponse{Removed: n})
}

// RegisterRoutes registers the sequence routes on a Gin router group.
func (h *SequenceHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sequences", h.List)
	rg.GET("/sequences/:id", h.Get)
	rg.PUT("/sequences/:id", h.Put)
	rg.PUT("/sequences/:id/slots/:slot", h.PutToolSlot)
	rg.GET("/cache/size", h.Size)
	rg.DELETE("/cache", h.Clear)
	rg.POST("/cache/cleanup", h.Cleanup)
}
