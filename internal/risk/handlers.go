package risk

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sndlabs/snd/internal/logging"
	"github.com/sndlabs/snd/internal/metrics"
)

// Handler provides HTTP endpoints for event scoring.
type Handler struct {
	engine     *Engine
	normalizer *Normalizer
}

// NewHandler creates a new risk handler.
func NewHandler(engine *Engine, normalizer *Normalizer) *Handler {
	return &Handler{engine: engine, normalizer: normalizer}
}

// RegisterRoutes sets up the scoring routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/score", h.ScoreEvent)
	r.GET("/events", h.ListEvents)
	r.GET("/users/:userId/features", h.PreviewFeatures)
}

// ScoreEvent handles POST /v1/score
func (h *Handler) ScoreEvent(c *gin.Context) {
	var raw RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request_too_large", "message": "event body too large"})
			return
		}
		metrics.ScoringErrorsTotal.WithLabelValues("validation").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a JSON event"})
		return
	}

	ev, err := h.normalizer.Normalize(raw)
	if err != nil {
		metrics.ScoringErrorsTotal.WithLabelValues("validation").Inc()
		writeValidationError(c, err)
		return
	}

	assessment, err := h.engine.Score(c.Request.Context(), ev)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// ListEvents handles GET /v1/events?limit=N
func (h *Handler) ListEvents(c *gin.Context) {
	limit := DefaultRecentLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	recs, err := h.engine.Recent(c.Request.Context(), limit)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	events := make([]eventView, 0, len(recs))
	for _, r := range recs {
		events = append(events, newEventView(r))
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// PreviewFeatures handles GET /v1/users/:userId/features
func (h *Handler) PreviewFeatures(c *gin.Context) {
	raw := RawEvent{
		UserID:    c.Param("userId"),
		Device:    c.Query("device"),
		City:      c.Query("city"),
		Service:   c.Query("service"),
		EventTime: c.Query("event_time"),
	}
	if raw.EventTime == "" {
		raw.EventTime = time.Now().UTC().Format(time.RFC3339)
	}

	ev, err := h.normalizer.Normalize(raw)
	if err != nil {
		writeValidationError(c, err)
		return
	}

	fs, err := h.engine.Preview(c.Request.Context(), ev)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":         ev.UserID,
		"feature_version": FeatureVectorVersion,
		"features":        fs,
		"vector":          fs.Vector(),
	})
}

func writeValidationError(c *gin.Context, err error) {
	var invalid *InvalidEventError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": invalid.Fields.Error(),
			"fields":  invalid.Fields,
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
}

func (h *Handler) writeEngineError(c *gin.Context, err error) {
	log := logging.L(c.Request.Context())
	switch {
	case errors.Is(err, ErrScorerUnavailable):
		log.Error("risk: scorer unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scorer_unavailable", "message": "anomaly scorer unavailable"})
	case errors.Is(err, ErrStore):
		log.Error("risk: event store failure", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error", "message": "event store failure"})
	default:
		log.Error("risk: scoring failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "scoring failed"})
	}
}

// eventView is the dashboard projection of a stored record.
type eventView struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	Device      string   `json:"device"`
	City        string   `json:"city"`
	Region      string   `json:"region"`
	OS          string   `json:"os"`
	Browser     string   `json:"browser"`
	Service     string   `json:"service"`
	EventTime   string   `json:"event_time"`
	TimestampMs int64    `json:"timestamp_ms"`
	RiskScore   float64  `json:"risk_score"`
	AIRiskScore float64  `json:"ai_risk_score"`
	RulesScore  float64  `json:"rules_score"`
	Decision    Decision `json:"decision"`
}

func newEventView(r *Record) eventView {
	return eventView{
		ID:          r.ID,
		UserID:      r.UserID,
		Device:      r.Device,
		City:        r.City,
		Region:      r.Region,
		OS:          r.OS,
		Browser:     r.Browser,
		Service:     r.Service,
		EventTime:   r.EventTime.Format(time.RFC3339Nano),
		TimestampMs: r.TimestampMs,
		RiskScore:   r.RiskScore,
		AIRiskScore: r.AIRiskScore,
		RulesScore:  r.RulesScore,
		Decision:    r.Decision,
	}
}
