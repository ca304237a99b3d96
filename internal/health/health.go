// Package health runs named subsystem checks for the /health endpoints.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// CheckTimeout bounds each checker.
const CheckTimeout = 3 * time.Second

// Status is one subsystem's result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports on one subsystem. It should return once ctx is done.
type Checker func(ctx context.Context) Status

type named struct {
	name  string
	check Checker
}

// Registry holds checkers in registration order.
type Registry struct {
	mu       sync.RWMutex
	checkers []named
	ready    atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker. The name overrides whatever the checker returns.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, named{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. healthy is false if any
// subsystem is unhealthy. statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := append([]named(nil), r.checkers...)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			st := c.check(cctx)
			st.Name = c.name
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// SetReady flips the readiness flag.
func (r *Registry) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Ready reports the readiness flag.
func (r *Registry) Ready() bool {
	return r.ready.Load()
}

// DBChecker pings db.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// RunningChecker reports healthy while running() is true, e.g. a
// background loop's liveness flag.
func RunningChecker(running func() bool) Checker {
	return func(context.Context) Status {
		if running() {
			return Status{Healthy: true}
		}
		return Status{Healthy: false, Detail: "not running"}
	}
}

type report struct {
	Status    string   `json:"status"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// RegisterRoutes mounts GET /health, /health/live and /health/ready.
func (r *Registry) RegisterRoutes(g gin.IRoutes) {
	g.GET("/health", r.handleHealth)
	g.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	g.GET("/health/ready", func(c *gin.Context) {
		if !r.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}

func (r *Registry) handleHealth(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	out := report{
		Status:    "healthy",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !healthy {
		out.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, out)
}
