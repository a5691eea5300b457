package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trna-workbench/backend/internal/model"
	"github.com/trna-workbench/backend/internal/tools"
)

// AnnotationDispatcher schedules an annotator off the request goroutine.
type AnnotationDispatcher interface {
	Dispatch(id string, annotator tools.Annotator, done func(tools.Result)) error
}

// RecordGetter looks up one record.
type RecordGetter interface {
	Get(ctx context.Context, id string) (*model.SequenceRecord, error)
}

// AnnotationHandler starts configured annotation tools on stored records.
type AnnotationHandler struct {
	store      RecordGetter
	dispatcher AnnotationDispatcher
	annotators map[model.ToolSlot]tools.Annotator
}

// NewAnnotationHandler creates a new AnnotationHandler.
func NewAnnotationHandler(store RecordGetter, dispatcher AnnotationDispatcher, annotators map[model.ToolSlot]tools.Annotator) *AnnotationHandler {
	return &AnnotationHandler{store: store, dispatcher: dispatcher, annotators: annotators}
}

// AnnotationResponse acknowledges a scheduled annotation.
type AnnotationResponse struct {
	ID   string         `json:"id"`
	Slot model.ToolSlot `json:"slot"`
	Tool string         `json:"tool"`
}

// Start handles POST /api/sequences/:id/annotations/:slot. The tool runs on
// the worker pool; its output reaches clients as a record update.
func (h *AnnotationHandler) Start(c *gin.Context) {
	id := c.Param("id")
	slot, err := model.ParseToolSlot(c.Param("slot"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "UNKNOWN_TOOL_SLOT", err.Error())
		return
	}

	annotator, ok := h.annotators[slot]
	if !ok {
		sendError(c, http.StatusNotImplemented, "ANNOTATOR_NOT_CONFIGURED", "No annotation tool is configured for "+string(slot))
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

	if err := h.dispatcher.Dispatch(id, annotator, nil); err != nil {
		sendError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Annotation could not be scheduled: "+err.Error())
		return
	}

	c.JSON(http.StatusAccepted, AnnotationResponse{ID: id, Slot: slot, Tool: annotator.Name()})
}

// RegisterRoutes registers the annotation route on a Gin router group.
func (h *AnnotationHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sequences/:id/annotations/:slot", h.Start)
}
