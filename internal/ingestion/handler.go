package ingestion

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/halcyon-lab/ophistory/internal/api/v1"
	"github.com/halcyon-lab/ophistory/internal/history"
)

// Service handles the three report verbs. Valid reports are always
// accepted: history is archival, so a slow or failing store must never
// surface to the reporter.
type Service struct {
	registry  *history.Registry
	nowMillis func() int64
}

func NewService(registry *history.Registry) *Service {
	return &Service{
		registry:  registry,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}
}

// RegisterRoutes mounts the report verbs on the given group.
func (s *Service) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/report/access", s.AccessHandler)
	rg.POST("/report/reject", s.RejectHandler)
	rg.POST("/report/duration", s.DurationHandler)
}

// AccessHandler records one or more accesses for an event key.
func (s *Service) AccessHandler(c *gin.Context) {
	req, ok := s.parseReport(c)
	if !ok {
		return
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	s.registry.ReportAccess(req.Event(), count, req.StartOrResume)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// RejectHandler records one or more rejected accesses.
func (s *Service) RejectHandler(c *gin.Context) {
	req, ok := s.parseReport(c)
	if !ok {
		return
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	s.registry.ReportReject(req.Event(), count)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// DurationHandler extends an in-progress access.
func (s *Service) DurationHandler(c *gin.Context) {
	req, ok := s.parseReport(c)
	if !ok {
		return
	}
	// -1 marks the access finished without a measured extension.
	if req.DeltaMillis < history.DurationNone {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{
			ErrorType: v1.HttpBadRequestError,
			Message:   "delta_millis must be -1 or non-negative",
		})
		return
	}
	s.registry.ReportDurationDelta(req.Event(), req.DeltaMillis)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Service) parseReport(c *gin.Context) (*v1.ReportRequest, bool) {
	var req v1.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("[Ingestion] Invalid JSON body received", "error", err)
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{
			ErrorType: v1.HttpInvalidJsonError,
			Message:   "Invalid JSON body",
		})
		return nil, false
	}
	if err := req.Validate(); err != nil {
		slog.Warn("[Ingestion] Report validation failed", "error", err, "package", req.PackageName)
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{
			ErrorType: v1.HttpBadRequestError,
			Message:   err.Error(),
		})
		return nil, false
	}
	if req.AccessTime == 0 {
		req.AccessTime = s.nowMillis()
	}
	return &req, true
}
