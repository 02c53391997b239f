package collector

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewRouter serves the query API of c.
//
//	GET /api/v1/traces/:traceId  200 complete, 206 partial, 404, 400 bad id
//	GET /api/v1/search           ?service=&tag=k=v&start=&end=&limit=
//	GET /metrics, GET /health
func NewRouter(c *Collector) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/traces/:traceId", getTrace(c))
	v1.GET("/search", searchTraces(c))
	return router
}

func getTrace(c *Collector) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		t, err := c.Query(ctx.Request.Context(), ctx.Param("traceId"))
		switch {
		case errors.Is(err, ErrInvalidTraceID):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ErrTraceNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case err != nil:
			logrus.WithError(err).Error("SpanFlow couldn't query a trace")
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		case t.Status == StatusPartial:
			ctx.JSON(http.StatusPartialContent, t)
		default:
			ctx.JSON(http.StatusOK, t)
		}
	}
}

func searchTraces(c *Collector) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		criteria, err := parseCriteria(ctx)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ids, err := c.Search(ctx.Request.Context(), criteria)
		if err != nil {
			logrus.WithError(err).Error("SpanFlow couldn't search traces")
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"trace_ids": ids})
	}
}

func parseCriteria(ctx *gin.Context) (Criteria, error) {
	criteria := Criteria{Service: ctx.Query("service")}

	for _, tag := range ctx.QueryArray("tag") {
		k, v, ok := strings.Cut(tag, "=")
		if !ok || k == "" {
			return criteria, fmt.Errorf("tag must be key=value, got %q", tag)
		}
		if criteria.Tags == nil {
			criteria.Tags = make(map[string]string)
		}
		criteria.Tags[k] = v
	}

	var err error
	if criteria.Start, err = parseTime(ctx.Query("start")); err != nil {
		return criteria, fmt.Errorf("start: %w", err)
	}
	if criteria.End, err = parseTime(ctx.Query("end")); err != nil {
		return criteria, fmt.Errorf("end: %w", err)
	}
	if raw := ctx.Query("limit"); raw != "" {
		if criteria.Limit, err = strconv.Atoi(raw); err != nil || criteria.Limit < 0 {
			return criteria, fmt.Errorf("limit must be a non-negative integer, got %q", raw)
		}
	}
	return criteria, nil
}

// parseTime accepts RFC 3339 or unix microseconds.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if us, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMicro(us), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
