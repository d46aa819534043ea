package observability

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/labmq/serialmq/internal/bridge"
)

// NewServer builds the optional health/metrics HTTP server. It is
// read-only: /health reports the bridge snapshot, /metrics exposes the
// prometheus registry. CORS is enabled only when origins are configured;
// a headless deployment serves same-origin only.
func NewServer(addr string, origins []string, br *bridge.Bridge, logger zerolog.Logger) *http.Server {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		snap := br.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": snap.Uptime,
			"links":  snap.Links,
			"queues": snap.Queues,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{Addr: addr, Handler: r}
}
