// Package api is the HTTP interface of the daemon.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/celerix-dev/ussd-whisperer/internal/dispatch"
	"github.com/celerix-dev/ussd-whisperer/internal/notify"
	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/celerix-dev/ussd-whisperer/pkg/sdk"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Store is the part of the record store served over HTTP.
type Store interface {
	sdk.RecordReader
	InsertRecord(ctx context.Context, in schema.NewRecord) (schema.UssdRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	sdk.SimRegistry
}

type Handler struct {
	Store  Store
	Runner sdk.Runner
	Hub    *notify.Hub
	Log    *zap.Logger
}

// NewRouter builds the gin engine with every route of the API.
func NewRouter(h *Handler) *gin.Engine {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", h.Health)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/codes", h.ListCodes)
		apiGroup.POST("/codes", h.CreateCode)
		apiGroup.GET("/codes/:id", h.GetCode)
		apiGroup.DELETE("/codes/:id", h.DeleteCode)
		apiGroup.POST("/codes/:id/execute", h.ExecuteCode)

		apiGroup.GET("/sims", h.ListSims)
		apiGroup.POST("/sims", h.CreateSim)
		apiGroup.PATCH("/sims/:id", h.UpdateSim)
		apiGroup.DELETE("/sims/:id", h.DeleteSim)

		if h.Hub != nil {
			apiGroup.GET("/events", notify.StreamHandler(h.Hub, h.Log))
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API route not found"})
	})
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.Log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Codes ---

func (h *Handler) ListCodes(c *gin.Context) {
	records, err := h.Store.ListRecords(c.Request.Context(), schema.ParseOrder(c.Query("order")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) GetCode(c *gin.Context) {
	rec, err := h.Store.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) CreateCode(c *gin.Context) {
	var in schema.NewRecord
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Ids are assigned by the store over HTTP.
	in.ID = ""

	rec, err := h.Store.InsertRecord(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) DeleteCode(c *gin.Context) {
	if err := h.Store.DeleteRecord(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) ExecuteCode(c *gin.Context) {
	if h.Runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner disabled"})
		return
	}
	id := c.Param("id")
	if err := h.Runner.Trigger(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "id": id})
}

// --- SIM cards ---

func (h *Handler) ListSims(c *gin.Context) {
	sims, err := h.Store.ListSims(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sims)
}

func (h *Handler) CreateSim(c *gin.Context) {
	var in schema.NewSim
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in.ID = ""

	sim, err := h.Store.InsertSim(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sim)
}

func (h *Handler) UpdateSim(c *gin.Context) {
	var input struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sim, err := h.Store.SetSimEnabled(c.Request.Context(), c.Param("id"), *input.Enabled)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sim)
}

func (h *Handler) DeleteSim(c *gin.Context) {
	if err := h.Store.DeleteSim(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// fail maps an error to its HTTP status.
func (h *Handler) fail(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sdk.ErrRecordNotFound), errors.Is(err, sdk.ErrSimNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrAlreadyRunning), errors.Is(err, sdk.ErrRecordExists), errors.Is(err, sdk.ErrSimExists):
		status = http.StatusConflict
	case errors.As(err, &verrs):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
