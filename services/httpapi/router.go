// Package httpapi exposes link health, state and operator reset over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modemlink-go/services/status"
	"modemlink-go/types"
)

type Link interface {
	status.Link
	Lanes() [types.NumChannels][2]types.LaneState
	WakeHeld() bool
	InterruptDrops() uint32
	PeerInfo() (types.BootInfo, bool)
}

type resetBody struct {
	Reason string `json:"reason"`
}

// NewRouter builds the HTTP surface of l. Metrics are served from g.
func NewRouter(l Link, g prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	RegisterRoutes(r, l, g)
	return r
}

func RegisterRoutes(r gin.IRouter, l Link, g prometheus.Gatherer) {
	started := time.Now()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).String(),
			"link_id": l.ID(),
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		phase := l.Phase()
		code := http.StatusServiceUnavailable
		if phase == types.BootDone {
			code = http.StatusOK
		}
		c.JSON(code, gin.H{"ready": code == http.StatusOK, "phase": phase.String()})
	})

	r.GET("/status", func(c *gin.Context) {
		body := gin.H{
			"link_id":         l.ID(),
			"state":           status.QueryState(l),
			"phase":           l.Phase().String(),
			"wake_held":       l.WakeHeld(),
			"interrupt_drops": l.InterruptDrops(),
		}
		if info, ok := l.PeerInfo(); ok {
			body["peer"] = gin.H{"config": info.Config, "version": info.Version}
		}
		c.JSON(http.StatusOK, body)
	})

	r.GET("/lanes", func(c *gin.Context) {
		lanes := l.Lanes()
		out := gin.H{}
		for _, ch := range types.Channels {
			out[ch.String()] = gin.H{
				types.Tx.String(): lanes[ch][types.Tx].String(),
				types.Rx.String(): lanes[ch][types.Rx].String(),
			}
		}
		c.JSON(http.StatusOK, out)
	})

	r.POST("/reset", func(c *gin.Context) {
		var body resetBody
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if body.Reason == "" {
			body.Reason = "http request"
		}
		if l.Phase() != types.BootDone {
			c.JSON(http.StatusConflict, gin.H{"error": "modem not online", "phase": l.Phase().String()})
			return
		}
		if !l.RequestReset(body.Reason) {
			c.JSON(http.StatusConflict, gin.H{"error": "reset already in progress"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
