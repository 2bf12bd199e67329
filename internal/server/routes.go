package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/runctl/internal/orchestrator"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultReportLimit = 50

type serviceView struct {
	Key          string    `json:"key"`
	Slug         string    `json:"slug"`
	Revision     string    `json:"revision,omitempty"`
	Domains      []string  `json:"domains,omitempty"`
	Members      []string  `json:"members,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
	Observed     bool      `json:"observed"`
	State        string    `json:"state,omitempty"`
	Generation   int64     `json:"generation,omitempty"`
	URL          string    `json:"url,omitempty"`
	Ready        bool      `json:"ready"`
	ReadyMessage string    `json:"ready_message,omitempty"`
	ObservedAt   time.Time `json:"observed_at,omitzero"`
	LastReport   string    `json:"last_completion,omitempty"`
	ReportsCount int       `json:"reports"`
}

func (s *Server) registerRoutes() {
	r := s.router
	guard := s.guard()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": "runctl-admin",
			"version":   Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		snap := s.orch.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"ready":     true,
			"uptime":    time.Since(s.started).String(),
			"services":  snap.ServiceCount,
			"observed":  snap.ObservedCount,
			"reports":   snap.ReportCount,
			"component": "runctl-admin",
			"version":   Version,
		})
	})

	r.GET("/services", func(c *gin.Context) {
		keys := s.orch.Keys()
		out := make([]serviceView, 0, len(keys))
		for _, key := range keys {
			if snap, ok := s.orch.SnapshotService(key); ok {
				out = append(out, viewOf(snap))
			}
		}
		c.JSON(http.StatusOK, gin.H{"services": out})
	})

	r.GET("/services/:service", func(c *gin.Context) {
		snap, ok := s.orch.SnapshotService(c.Param("service"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "service not found"})
			return
		}
		c.JSON(http.StatusOK, viewOf(snap))
	})

	r.GET("/services/:service/plan", func(c *gin.Context) {
		plan, err := s.orch.Plan(c.Request.Context(), c.Param("service"))
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, plan)
	})

	r.POST("/services/:service/reconcile", guard, func(c *gin.Context) {
		ctx, cancel := s.reconcileContext(c)
		defer cancel()
		report, err := s.orch.ReconcileOnce(ctx, c.Param("service"))
		if err != nil && report.Key == "" {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(completionStatus(report.Completion), report)
	})

	r.DELETE("/services/:service", guard, func(c *gin.Context) {
		ctx, cancel := s.reconcileContext(c)
		defer cancel()
		if err := s.orch.Delete(ctx, c.Param("service")); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.POST("/reconcile", guard, func(c *gin.Context) {
		ctx, cancel := s.reconcileContext(c)
		defer cancel()
		reports, err := s.orch.ReconcileAll(ctx)
		status := http.StatusOK
		body := gin.H{"reports": reports}
		if err != nil {
			status = http.StatusMultiStatus
			body["error"] = err.Error()
		}
		c.JSON(status, body)
	})

	r.GET("/reports", func(c *gin.Context) {
		limit := defaultReportLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}
		c.JSON(http.StatusOK, gin.H{"reports": s.orch.RecentReports(limit)})
	})
}

func (s *Server) reconcileContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.opts.ReconcileTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.opts.ReconcileTimeout)
	}
	return context.WithCancel(c.Request.Context())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrReconcileInFlight):
		return http.StatusConflict
	case errors.Is(err, resource.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, resource.ErrRemoteRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func completionStatus(completion string) int {
	switch completion {
	case orchestrator.CompletionSatisfied:
		return http.StatusOK
	case orchestrator.CompletionPartial:
		return http.StatusMultiStatus
	default:
		return http.StatusBadGateway
	}
}

func viewOf(snap orchestrator.ServiceSnapshot) serviceView {
	id := snap.Desired.Document.Identity
	out := serviceView{
		Key:        id.Key(),
		Slug:       id.Slug(),
		Revision:   snap.Desired.Document.Template.Name,
		Domains:    snap.Desired.Desired.Domains,
		Members:    snap.Desired.Desired.Members,
		ReceivedAt: snap.Desired.ReceivedAt,
		Observed:   snap.HasObserved,
	}
	if !snap.HasObserved {
		return out
	}
	obs := snap.Observed
	out.State = string(obs.State)
	out.ObservedAt = obs.ObservedAt
	out.ReportsCount = len(obs.Reports)
	if n := len(obs.Reports); n > 0 {
		out.LastReport = obs.Reports[n-1].Completion
	}
	if obs.Remote != nil {
		out.Generation = obs.Remote.Generation
		out.URL = obs.Remote.URL
		out.Ready = obs.Remote.Ready
		out.ReadyMessage = obs.Remote.ReadyMessage
	}
	return out
}
