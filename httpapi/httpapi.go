// Package httpapi is the read-only debug/introspection HTTP surface
// described in SPEC_FULL.md's Domain Stack section. It never mutates
// cluster or store state — SET/DELETE/SHUTDOWN remain reachable only
// through the TCP wire protocol in package server.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"replikv/cluster"
	"replikv/store"
)

// API wraps a Gin engine bound to the cluster manager and store it
// reports on.
type API struct {
	cluster *cluster.Manager
	store   *store.KVStore
	log     *logrus.Logger
	engine  *gin.Engine
}

// New builds the debug API. gin.ReleaseMode is set explicitly so a
// node's stderr isn't dominated by Gin's default debug banner, mirroring
// the teacher's own gin.SetMode(gin.ReleaseMode) call in main.go.
func New(c *cluster.Manager, s *store.KVStore, log *logrus.Logger) *API {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	a := &API{cluster: c, store: s, log: log, engine: engine}
	engine.GET("/status", a.getStatus)
	engine.GET("/peers", a.getPeers)
	engine.GET("/log", a.getLog)
	return a
}

// Run blocks serving the debug API on addr.
func (a *API) Run(addr string) error {
	a.log.WithField("addr", addr).Info("debug http api listening")
	return a.engine.Run(addr)
}

func (a *API) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.cluster.Status())
}

func (a *API) getPeers(c *gin.Context) {
	c.JSON(http.StatusOK, a.cluster.Peers())
}

func (a *API) getLog(c *gin.Context) {
	since := 0.0
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "ERROR", "message": "since must be a float"})
			return
		}
		since = v
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK", "entries": a.store.Since(since)})
}
