package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/gigafs/gigafs/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

// HttpServer exposes admin endpoints: /metrics for prometheus and
// /stats for KV engine usage.
type HttpServer struct {
	httpServer *http.Server
	fs         *Filesystem
}

func NewHttpServer(fs *Filesystem) *HttpServer {
	return &HttpServer{fs: fs}
}

func (h *HttpServer) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", h.stats)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.fs.db.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
