// Package admin exposes the operational HTTP surface: liveness/readiness
// probes, a Prometheus scrape endpoint, and a read-only debug view of the
// model registry and in-flight actions. It never drives engine mutations —
// every route here is a GET. Routes are served over gin-gonic/gin, each
// tagged with a request id (google/uuid, or echoed back from
// X-Request-Id) for log correlation; the child-process view samples
// RSS/CPU via shirou/gopsutil/v3 since workerpool only tracks a live
// count, not resource usage.
package admin

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/hat-open/aimm/internal/aimm/engine"
	"github.com/hat-open/aimm/pkg/logger"
)

// requestID tags every admin request with an id (reusing one supplied via
// X-Request-Id, minting one otherwise) so a log line can be correlated
// with the response it produced.
func requestID(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-Id", id)
		c.Set("request_id", id)
		c.Next()
		log.WithField("request_id", id).Debugf("admin: %s %s -> %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
	}
}

// Server is the admin HTTP surface bound to one Engine.
type Server struct {
	eng *engine.Engine
	log *logger.Logger
	srv *http.Server
}

// Config controls where the admin surface listens.
type Config struct {
	Addr string
}

// New builds the gin router and wraps it in an *http.Server, but does not
// start listening; call Start for that.
func New(eng *engine.Engine, conf Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("admin")
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{eng: eng, log: log}
	router.Use(requestID(log))

	router.GET("/healthz", s.handleHealthz)
	router.GET("/readyz", s.handleReadyz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/debug/models", s.handleDebugModels)
	router.GET("/debug/actions", s.handleDebugActions)
	router.GET("/debug/children", s.handleDebugChildren)

	s.srv = &http.Server{
		Addr:              conf.Addr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start runs the admin server until ctx is cancelled or the listener fails.
// It blocks; callers typically run it in its own goroutine.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		return err
	}
}

// Close shuts the admin server down gracefully.
func (s *Server) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// handleHealthz is a bare liveness probe: it only reports the process is
// scheduling HTTP requests, not that the engine is usable.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz additionally reports the engine exists and can enumerate
// its model registry without error.
func (s *Server) handleReadyz(c *gin.Context) {
	if s.eng == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "engine not wired"})
		return
	}
	_ = s.eng.Models()
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type modelView struct {
	InstanceID uint64 `json:"instance_id"`
	ModelType  string `json:"model_type"`
}

func (s *Server) handleDebugModels(c *gin.Context) {
	if s.eng == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine not wired"})
		return
	}
	models := s.eng.Models()
	out := make([]modelView, 0, len(models))
	for _, m := range models {
		out = append(out, modelView{InstanceID: m.InstanceID, ModelType: m.ModelType})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

type actionView struct {
	ActionID  uint64 `json:"action_id"`
	Kind      string `json:"kind"`
	ModelType string `json:"model_type,omitempty"`
	Target    uint64 `json:"target,omitempty"`
}

func (s *Server) handleDebugActions(c *gin.Context) {
	if s.eng == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine not wired"})
		return
	}
	ids := s.eng.ActionIDs()
	out := make([]actionView, 0, len(ids))
	for _, id := range ids {
		h, ok := s.eng.Action(id)
		if !ok {
			continue
		}
		out = append(out, actionView{
			ActionID:  id,
			Kind:      string(h.Meta.Kind),
			ModelType: h.Meta.ModelType,
			Target:    h.Meta.Target,
		})
	}
	c.JSON(http.StatusOK, gin.H{"actions": out})
}

type childView struct {
	PID          int32   `json:"pid"`
	RSSBytes     uint64  `json:"rss_bytes"`
	CPUPercent   float64 `json:"cpu_percent"`
	CreateTimeMS int64   `json:"create_time_ms"`
}

// handleDebugChildren samples the RSS/CPU of this process's direct child
// processes (the worker pool's spawned children) via gopsutil. It is best
// effort: a child that exits mid-sample is simply omitted.
func (s *Server) handleDebugChildren(c *gin.Context) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	children, err := self.Children()
	if err != nil {
		// gopsutil returns an error when there are zero children on some
		// platforms; treat that as an empty list rather than a failure.
		c.JSON(http.StatusOK, gin.H{"children": []childView{}})
		return
	}
	out := make([]childView, 0, len(children))
	for _, child := range children {
		mem, err := child.MemoryInfo()
		if err != nil {
			continue
		}
		cpuPct, _ := child.CPUPercent()
		createTime, _ := child.CreateTime()
		out = append(out, childView{
			PID:          child.Pid,
			RSSBytes:     mem.RSS,
			CPUPercent:   cpuPct,
			CreateTimeMS: createTime,
		})
	}
	c.JSON(http.StatusOK, gin.H{"children": out})
}
