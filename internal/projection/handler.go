package projection

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/halcyon-lab/ophistory/internal/api/v1"
	"github.com/halcyon-lab/ophistory/internal/history"
)

// Service answers history reads and explicit history deletion.
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

// RegisterRoutes mounts the read and delete endpoints on the given group.
func (s *Service) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/history", s.HistoryHandler)
	rg.DELETE("/history", s.ClearHandler)
}

// HistoryHandler serves GET /v1/history. Store failures degrade to partial
// or empty results; only malformed parameters produce an error response.
func (s *Service) HistoryHandler(c *gin.Context) {
	req, ok := s.parseQuery(c)
	if !ok {
		return
	}
	res := s.registry.Query(c.Request.Context(), req)
	c.JSON(http.StatusOK, v1.NewHistoryResponse(req.BeginTime, req.EndTime, res))
}

// ClearHandler serves DELETE /v1/history. With subject_id and package it
// clears one subject's history for that package; without parameters it
// clears everything.
func (s *Service) ClearHandler(c *gin.Context) {
	subjectRaw := c.Query("subject_id")
	packageName := c.Query("package")

	var err error
	switch {
	case subjectRaw == "" && packageName == "":
		err = s.registry.ClearAll(c.Request.Context())
	case subjectRaw != "" && packageName != "":
		var subjectID int64
		subjectID, err = strconv.ParseInt(subjectRaw, 10, 32)
		if err != nil {
			badRequest(c, "invalid subject_id")
			return
		}
		err = s.registry.ClearFor(c.Request.Context(), int32(subjectID), packageName)
	default:
		badRequest(c, "subject_id and package must be provided together")
		return
	}

	if err != nil {
		slog.Error("[Projection] Couldn't clear history", "error", err)
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{
			ErrorType: v1.HttpInternalError,
			Message:   "Failed to clear history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Service) parseQuery(c *gin.Context) (history.QueryRequest, bool) {
	req := history.QueryRequest{
		SubjectID:        history.SubjectNone,
		IncludeDiscrete:  true,
		IncludeAggregate: false,
	}

	now := s.nowMillis()
	var ok bool
	if req.BeginTime, ok = int64Param(c, "begin", 0); !ok {
		return req, false
	}
	if req.EndTime, ok = int64Param(c, "end", now); !ok {
		return req, false
	}
	if req.BeginTime < 0 || req.EndTime < req.BeginTime {
		badRequest(c, "invalid time range")
		return req, false
	}

	if raw := c.Query("subject_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			badRequest(c, "invalid subject_id")
			return req, false
		}
		req.SubjectID = int32(id)
	}
	req.PackageName = c.Query("package")
	req.AttributionTag = c.Query("attribution_tag")

	if raw := c.Query("ops"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			code, found := history.OpByName[strings.TrimSpace(name)]
			if !found {
				badRequest(c, "unknown op "+strconv.Quote(name))
				return req, false
			}
			req.OpCodes = append(req.OpCodes, code)
		}
	}

	if raw := c.Query("op_flags"); raw != "" {
		mask, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			badRequest(c, "invalid op_flags")
			return req, false
		}
		req.OpFlagsMask = int32(mask)
	}

	if raw := c.Query("include_discrete"); raw != "" {
		req.IncludeDiscrete = raw == "true" || raw == "1"
	}
	if raw := c.Query("include_aggregate"); raw != "" {
		req.IncludeAggregate = raw == "true" || raw == "1"
	}
	if raw := c.Query("exempt"); raw != "" {
		req.ExemptPackages = strings.Split(raw, ",")
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, "invalid limit")
			return req, false
		}
		req.Limit = limit
	}
	req.Descending = c.Query("order") == "desc"

	return req, true
}

func int64Param(c *gin.Context, name string, fallback int64) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return value, true
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, v1.ErrorResponse{
		ErrorType: v1.HttpBadRequestError,
		Message:   message,
	})
}
