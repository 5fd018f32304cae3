// Package api is the HTTP surface the operator UI and the CLI talk to. UI
// requests are translated into messages and dispatched through the router.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"labelrunner/internal/messaging"
	"labelrunner/internal/printing"
	"labelrunner/internal/queue"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Attacher instruments an existing browser tab.
type Attacher interface {
	Attach(ctx context.Context, targetID string) (string, error)
}

// Handler serves the API routes.
type Handler struct {
	router   *messaging.Router
	queue    *queue.Queue
	attacher Attacher
}

// NewHandler creates a Handler. attacher may be nil.
func NewHandler(router *messaging.Router, q *queue.Queue, attacher Attacher) *Handler {
	return &Handler{router: router, queue: q, attacher: attacher}
}

// RegisterRoutes mounts the API under group.
func RegisterRoutes(group *gin.RouterGroup, h *Handler) {
	group.POST("/messages", h.PostMessage)

	jobs := group.Group("/jobs")
	{
		jobs.GET("", h.ListJobs)
		jobs.POST("", h.EnqueueJob)
		jobs.DELETE("/failed", h.ClearFailed)
		jobs.POST("/:id/requeue", h.RequeueJob)
		jobs.DELETE("/:id", h.RemoveJob)
	}

	group.GET("/labels", h.ListLabels)
	group.GET("/queue", h.Summary)
	group.POST("/print", h.Print)
	group.POST("/process", h.Process)
	group.POST("/tabs/:id/attach", h.AttachTab)
}

func (h *Handler) dispatch(c *gin.Context, msg messaging.Message) {
	res, err := h.router.Send(c.Request.Context(), msg)
	if err != nil {
		c.JSON(statusFor(err), messaging.Response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, messaging.Response{OK: true, Result: res})
}

func statusFor(err error) int {
	var verrs validator.ValidationErrors
	var syntax *json.SyntaxError
	switch {
	case errors.Is(err, messaging.ErrUnknownType):
		return http.StatusNotFound
	case errors.As(err, &verrs), errors.As(err, &syntax):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrJobProcessing),
		errors.Is(err, printing.ErrNothingToPrint),
		errors.Is(err, printing.ErrNoDocuments):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PostMessage dispatches a raw {type, payload} envelope.
func (h *Handler) PostMessage(c *gin.Context) {
	var msg messaging.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, messaging.Response{Error: err.Error()})
		return
	}
	if msg.Type == "" {
		c.JSON(http.StatusBadRequest, messaging.Response{Error: "type is required"})
		return
	}
	h.dispatch(c, msg)
}

// EnqueueJob handles POST /jobs.
func (h *Handler) EnqueueJob(c *gin.Context) {
	var req messaging.EnqueueJob
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, messaging.Response{Error: err.Error()})
		return
	}
	msg, err := messaging.New(messaging.TypeEnqueueJob, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, messaging.Response{Error: err.Error()})
		return
	}
	h.dispatch(c, msg)
}

// Print handles POST /print.
func (h *Handler) Print(c *gin.Context) {
	h.dispatch(c, messaging.Message{Type: messaging.TypePrintMerged})
}

// Process handles POST /process.
func (h *Handler) Process(c *gin.Context) {
	h.dispatch(c, messaging.Message{Type: messaging.TypeProcessNow})
}

// Summary handles GET /queue.
func (h *Handler) Summary(c *gin.Context) {
	h.dispatch(c, messaging.Message{Type: messaging.TypeQueueSummary})
}

// ListJobs handles GET /jobs.
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Jobs(c.Request.Context()))
}

// ListLabels handles GET /labels.
func (h *Handler) ListLabels(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Labels(c.Request.Context()))
}

// RequeueJob handles POST /jobs/:id/requeue.
func (h *Handler) RequeueJob(c *gin.Context) {
	job, err := h.queue.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), messaging.Response{Error: err.Error()})
		return
	}
	h.router.Post(context.WithoutCancel(c.Request.Context()), messaging.Message{Type: messaging.TypeProcessNow})
	c.JSON(http.StatusOK, messaging.Response{OK: true, Result: job})
}

// RemoveJob handles DELETE /jobs/:id.
func (h *Handler) RemoveJob(c *gin.Context) {
	if err := h.queue.Discard(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(statusFor(err), messaging.Response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, messaging.Response{OK: true})
}

// ClearFailed handles DELETE /jobs/failed.
func (h *Handler) ClearFailed(c *gin.Context) {
	n := h.queue.ClearFailed(c.Request.Context())
	c.JSON(http.StatusOK, messaging.Response{OK: true, Result: gin.H{"removed": n}})
}

// AttachTab handles POST /tabs/:id/attach.
func (h *Handler) AttachTab(c *gin.Context) {
	if h.attacher == nil {
		c.JSON(http.StatusServiceUnavailable, messaging.Response{Error: "browser not available"})
		return
	}
	id, err := h.attacher.Attach(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, messaging.Response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, messaging.Response{OK: true, Result: gin.H{"tab": id}})
}
