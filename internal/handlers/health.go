package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	service string
	checks  map[string]HealthCheck
	now     func() time.Time
}

func NewHealthHandler(service string, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{service: service, checks: checks, now: time.Now}
}

// Health is liveness only.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": h.now().UTC(),
		"service":   h.service,
	})
}

// Ready runs every dependency check with a short deadline.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
}
