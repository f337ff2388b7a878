package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"traffic-control/internal/config"
	"traffic-control/internal/decisionlog"
	"traffic-control/internal/domain/traffic"
	"traffic-control/internal/events"
	"traffic-control/internal/greenwave"
	"traffic-control/internal/repository"
	"traffic-control/internal/service"
)

type Handler struct {
	control    *service.ControlService
	scheduler  *greenwave.Scheduler
	correlator *events.Correlator
	lights     *greenwave.Directory
	logbook    *decisionlog.Log
	repo       *repository.DecisionRepository
	config     *config.Config
	log        zerolog.Logger
}

func NewHandler(
	control *service.ControlService,
	scheduler *greenwave.Scheduler,
	correlator *events.Correlator,
	lights *greenwave.Directory,
	logbook *decisionlog.Log,
	repo *repository.DecisionRepository,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		control:    control,
		scheduler:  scheduler,
		correlator: correlator,
		lights:     lights,
		logbook:    logbook,
		repo:       repo,
		config:     cfg,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/cameras/samples", h.ingestSample)

		api.POST("/events", h.reportEvent)
		api.POST("/events/:id/acknowledge", h.acknowledgeEvent)
		api.POST("/events/:id/resolve", h.resolveEvent)
		api.POST("/events/:id/false-positive", h.markFalsePositive)
		api.GET("/events", h.listActiveEvents)

		api.PUT("/weather", h.setWeather)

		api.GET("/segments/:id", h.segmentState)

		api.POST("/lights", h.registerLight)
		api.GET("/lights", h.listLights)

		api.POST("/emergency/activate", h.activateGreenWave)
		api.GET("/emergency/:vehicle_id", h.greenWaveSession)
		api.POST("/emergency/:vehicle_id/position", h.updatePosition)
		api.POST("/emergency/:vehicle_id/confirm", h.confirmLight)
		api.POST("/emergency/:vehicle_id/arrived", h.arrived)
		api.DELETE("/emergency/:vehicle_id", h.deactivateGreenWave)

		api.POST("/overrides", h.requestOverride)

		api.GET("/decisions", h.listDecisions)
		api.GET("/decisions/export", h.exportDecisions)
	}
}

func (h *Handler) ingestSample(c *gin.Context) {
	var sample traffic.CameraSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if err := h.control.IngestSample(c.Request.Context(), sample); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) reportEvent(c *gin.Context) {
	var ev traffic.TrafficEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if ev.SegmentID == "" {
		c.JSON(http.StatusBadRequest, errorResponse("segment_id is required"))
		return
	}
	if ev.Type == "" {
		c.JSON(http.StatusBadRequest, errorResponse("type is required"))
		return
	}

	out := h.control.ReportEvent(c.Request.Context(), ev)
	c.JSON(http.StatusCreated, successResponse(out))
}

func (h *Handler) eventTransition(c *gin.Context, apply func(uuid.UUID) error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid event id"))
		return
	}
	if err := apply(id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) acknowledgeEvent(c *gin.Context) {
	h.eventTransition(c, h.correlator.Acknowledge)
}

func (h *Handler) resolveEvent(c *gin.Context) {
	h.eventTransition(c, h.correlator.Resolve)
}

func (h *Handler) markFalsePositive(c *gin.Context) {
	h.eventTransition(c, h.correlator.MarkFalsePositive)
}

func (h *Handler) listActiveEvents(c *gin.Context) {
	segmentID := strings.TrimSpace(c.Query("segment_id"))
	if segmentID == "" {
		c.JSON(http.StatusBadRequest, errorResponse("segment_id parameter is required"))
		return
	}
	evs := h.correlator.ActiveForSegment(segmentID, time.Now().UTC())
	c.JSON(http.StatusOK, successResponse(evs))
}

func (h *Handler) setWeather(c *gin.Context) {
	var req struct {
		Condition string `json:"condition" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := h.control.SetWeather(traffic.WeatherCondition(req.Condition)); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "condition": req.Condition})
}

func (h *Handler) segmentState(c *gin.Context) {
	segmentID := c.Param("id")
	resp := gin.H{
		"segment_id":  segmentID,
		"speed_limit": h.control.CurrentLimit(segmentID),
	}
	if snap, ok := h.control.LatestSnapshot(segmentID); ok {
		resp["snapshot"] = snap
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) registerLight(c *gin.Context) {
	var light greenwave.Light
	if err := c.ShouldBindJSON(&light); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if light.LightID == "" {
		c.JSON(http.StatusBadRequest, errorResponse("light_id is required"))
		return
	}
	h.lights.Register(light)
	h.log.Info().Str("light_id", light.LightID).Msg("traffic light registered")
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "light_id": light.LightID})
}

func (h *Handler) listLights(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.lights.Snapshot()))
}

func (h *Handler) activateGreenWave(c *gin.Context) {
	var req struct {
		VehicleID string                 `json:"vehicle_id" binding:"required"`
		SpeedKmh  float64                `json:"speed_kmh" binding:"required"`
		Route     []greenwave.RouteLight `json:"route" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	view, err := h.scheduler.Activate(c.Request.Context(), req.VehicleID, req.SpeedKmh, req.Route)
	if err != nil {
		h.handleError(c, err)
		return
	}

	h.log.Info().
		Str("vehicle_id", req.VehicleID).
		Int("route_lights", len(req.Route)).
		Msg("green wave activated")

	c.JSON(http.StatusCreated, successResponse(view))
}

func (h *Handler) greenWaveSession(c *gin.Context) {
	view, ok := h.scheduler.Session(c.Param("vehicle_id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse("no session for vehicle"))
		return
	}
	c.JSON(http.StatusOK, successResponse(view))
}

func (h *Handler) updatePosition(c *gin.Context) {
	var pos traffic.VehiclePosition
	if err := c.ShouldBindJSON(&pos); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	pos.VehicleID = c.Param("vehicle_id")
	if pos.Timestamp.IsZero() {
		pos.Timestamp = time.Now().UTC()
	}

	view, err := h.scheduler.UpdatePosition(c.Request.Context(), pos)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(view))
}

func (h *Handler) confirmLight(c *gin.Context) {
	var req struct {
		LightID string `json:"light_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := h.scheduler.ConfirmLight(c.Request.Context(), c.Param("vehicle_id"), req.LightID); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) arrived(c *gin.Context) {
	if err := h.scheduler.Arrived(c.Request.Context(), c.Param("vehicle_id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) deactivateGreenWave(c *gin.Context) {
	reason := strings.TrimSpace(c.Query("reason"))
	if reason == "" {
		reason = "deactivated by operator"
	}
	if err := h.scheduler.Deactivate(c.Request.Context(), c.Param("vehicle_id"), reason); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) requestOverride(c *gin.Context) {
	var req traffic.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	outcome, err := h.control.RequestOverride(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	status := http.StatusOK
	if !outcome.Applied {
		// The change was vetted but not applied; the caller has to
		// either force it or give up.
		status = http.StatusConflict
	}
	c.JSON(status, successResponse(outcome))
}

func (h *Handler) listDecisions(c *gin.Context) {
	var entityID, kind *string
	if v := strings.TrimSpace(c.Query("entity_id")); v != "" {
		entityID = &v
	}
	if v := strings.TrimSpace(c.Query("kind")); v != "" {
		kind = &v
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	if h.repo != nil {
		decisions, err := h.repo.FindDecisions(c.Request.Context(), entityID, kind, limit, offset)
		if err != nil {
			h.log.Error().Err(err).Msg("failed to query decisions")
			c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
			return
		}
		c.JSON(http.StatusOK, successResponse(decisions))
		return
	}

	// Without a database the in-memory log serves reads directly.
	entries := h.logbook.Snapshot()
	filtered := make([]decisionlog.Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if entityID != nil && e.EntityID != *entityID {
			continue
		}
		if kind != nil && string(e.Kind) != *kind {
			continue
		}
		filtered = append(filtered, e)
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	filtered = filtered[offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	c.JSON(http.StatusOK, successResponse(filtered))
}

func (h *Handler) exportDecisions(c *gin.Context) {
	entries := h.logbook.Snapshot()

	f := excelize.NewFile()
	defer f.Close()

	sheet := "Decisions"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Seq", "Entity", "Kind", "Explanation", "Confidence", "Timestamp"}
	for i, head := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, head)
	}

	for row, e := range entries {
		values := []interface{}{
			e.Seq,
			e.EntityID,
			string(e.Kind),
			e.Explanation,
			e.Confidence,
			e.Timestamp.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build decisions export")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	filename := fmt.Sprintf("decisions-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, greenwave.ErrInvalidRoute):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound), errors.Is(err, greenwave.ErrSessionNotFound), errors.Is(err, events.ErrEventNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, greenwave.ErrSessionActive):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
