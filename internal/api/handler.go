package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/assettrack/audit-ledger/internal/domain"
	"github.com/assettrack/audit-ledger/internal/ledger"
	"github.com/assettrack/audit-ledger/internal/report"
)

// Handler maps HTTP requests onto ledger and report operations. Status-code
// mapping lives here; the core only reports its error taxonomy.
type Handler struct {
	ledger  *ledger.Ledger
	reports *report.Engine
}

func NewHandler(lg *ledger.Ledger, reports *report.Engine) *Handler {
	return &Handler{
		ledger:  lg,
		reports: reports,
	}
}

// RegisterRoutes registers the API routes
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/events", h.CreateEvent)
	g.GET("/events", h.ListEvents)
	g.GET("/events/search", h.SearchEvents)
	g.GET("/events/:event_id", h.GetEvent)
	g.GET("/events/:event_id/verify", h.VerifyEvent)
	g.GET("/verify", h.VerifyChain)
	g.GET("/statistics", h.GetStatistics)
	g.POST("/reports", h.CreateReport)
	g.GET("/reports/:report_id", h.GetReport)
	g.POST("/reports/:report_id/files/:filename/download", h.DownloadReportFile)
}

func tenantID(c echo.Context) string {
	return c.Request().Header.Get("X-Tenant-ID")
}

func errorResponse(c echo.Context, err error) error {
	msg := map[string]string{"error": err.Error()}
	switch {
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, msg)
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, msg)
	case errors.Is(err, domain.ErrImmutable):
		return c.JSON(http.StatusConflict, msg)
	case errors.Is(err, domain.ErrStorageTimeout):
		return c.JSON(http.StatusServiceUnavailable, msg)
	default:
		// no storage-layer detail past the core boundary
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// CreateEvent handles POST /audit/events
func (h *Handler) CreateEvent(c echo.Context) error {
	var ev domain.AuditEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed event payload"})
	}
	if tid := tenantID(c); tid != "" {
		ev.TenantID = tid
	}

	created, err := h.ledger.Append(c.Request().Context(), &ev)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"event_id":  created.EventID,
		"timestamp": created.Timestamp,
		"hash":      created.Hash,
	})
}

// ListEvents handles GET /audit/events
func (h *Handler) ListEvents(c echo.Context) error {
	filter := domain.EventFilter{
		EventType: domain.EventType(c.QueryParam("event_type")),
		Category:  domain.Category(c.QueryParam("category")),
		ActorID:   c.QueryParam("actor_id"),
	}
	filter.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	filter.Offset, _ = strconv.Atoi(c.QueryParam("offset"))

	if start, err := time.Parse(time.RFC3339, c.QueryParam("start_date")); err == nil {
		filter.StartTime = &start
	}
	if end, err := time.Parse(time.RFC3339, c.QueryParam("end_date")); err == nil {
		filter.EndTime = &end
	}

	page, err := h.ledger.Query(c.Request().Context(), tenantID(c), filter)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// SearchEvents handles GET /audit/events/search
func (h *Handler) SearchEvents(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing query parameter 'q'"})
	}

	from, _ := strconv.Atoi(c.QueryParam("from"))
	size, _ := strconv.Atoi(c.QueryParam("size"))

	page, err := h.ledger.Search(c.Request().Context(), tenantID(c), query, from, size)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// GetEvent handles GET /audit/events/:event_id
func (h *Handler) GetEvent(c echo.Context) error {
	ev, err := h.ledger.GetByID(c.Request().Context(), tenantID(c), c.Param("event_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ev)
}

// VerifyEvent handles GET /audit/events/:event_id/verify
func (h *Handler) VerifyEvent(c echo.Context) error {
	ev, err := h.ledger.GetByID(c.Request().Context(), tenantID(c), c.Param("event_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"event_id": ev.EventID,
		"valid":    h.ledger.VerifyEvent(ev),
		"hash":     ev.Hash,
	})
}

// VerifyChain handles GET /audit/verify
func (h *Handler) VerifyChain(c echo.Context) error {
	result, err := h.ledger.VerifyChain(c.Request().Context(), tenantID(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetStatistics handles GET /audit/statistics
func (h *Handler) GetStatistics(c echo.Context) error {
	var start, end *time.Time
	if t, err := time.Parse(time.RFC3339, c.QueryParam("start_date")); err == nil {
		start = &t
	}
	if t, err := time.Parse(time.RFC3339, c.QueryParam("end_date")); err == nil {
		end = &t
	}

	stats, err := h.ledger.GetStatistics(c.Request().Context(), tenantID(c), start, end)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

type createReportRequest struct {
	ReportType domain.ReportType       `json:"report_type"`
	Framework  domain.Framework        `json:"compliance_framework"`
	CreatedBy  string                  `json:"created_by"`
	Parameters domain.ReportParameters `json:"parameters"`
}

// CreateReport handles POST /audit/reports
func (h *Handler) CreateReport(c echo.Context) error {
	var req createReportRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed report request"})
	}

	r, err := h.reports.Create(c.Request().Context(), tenantID(c), req.CreatedBy, req.ReportType, req.Framework, req.Parameters)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, r)
}

// GetReport handles GET /audit/reports/:report_id — clients poll status and
// progress here.
func (h *Handler) GetReport(c echo.Context) error {
	r, err := h.reports.Get(c.Request().Context(), tenantID(c), c.Param("report_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

// DownloadReportFile handles POST /audit/reports/:report_id/files/:filename/download
func (h *Handler) DownloadReportFile(c echo.Context) error {
	reportID := c.Param("report_id")
	filename := c.Param("filename")

	if err := h.reports.RecordDownload(c.Request().Context(), tenantID(c), reportID, filename); err != nil {
		return errorResponse(c, err)
	}

	r, err := h.reports.Get(c.Request().Context(), tenantID(c), reportID)
	if err != nil {
		return errorResponse(c, err)
	}
	for _, f := range r.Files {
		if f.Filename == filename {
			return c.JSON(http.StatusOK, f)
		}
	}
	return c.JSON(http.StatusNotFound, map[string]string{"error": "report file not found"})
}
