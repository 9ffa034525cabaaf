package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/eventfaces/internal/api/handlers"
	"github.com/your-org/eventfaces/internal/auth"
	"github.com/your-org/eventfaces/internal/jobs"
)

type RouterConfig struct {
	APIKey    string
	Jobs      handlers.JobReader
	Submitter *jobs.Submitter
	Purger    handlers.Purger
	// Checks are pinged by /readyz, keyed by dependency name.
	Checks map[string]handlers.Pinger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	jobH := handlers.NewJobHandler(cfg.Jobs, cfg.Submitter)
	v1.GET("/jobs/:id", jobH.Get)
	v1.POST("/jobs/photos", jobH.SubmitPhoto)
	v1.POST("/jobs/selfies", jobH.SubmitSelfie)
	v1.POST("/jobs/deletions", jobH.SubmitDeletion)

	eventH := handlers.NewEventHandler(cfg.Purger)
	v1.POST("/events/:id/purge", eventH.Purge)

	return r
}
