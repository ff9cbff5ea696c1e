package verifier

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/influxdata/agency/kit/platform/errors"
	kithttp "github.com/influxdata/agency/kit/transport/http"
	"github.com/influxdata/agency/revtree"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// HTTPHandler serves the administrative revision tree API of a monitor.
//
//	GET  /shards                    list of shard ids
//	GET  /shards/{id}               tree state of every replica
//	POST /shards/{id}/verify        compare followers with the leader
//	POST /shards/{id}/corrupt       perturb a bucket (server, key or bucket, count)
//	POST /shards/{id}/rebuild       rebuild one replica's tree (server)
type HTTPHandler struct {
	chi.Router

	monitor *Monitor
	logger  *zap.Logger

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewHTTPHandler returns a handler for monitor.
func NewHTTPHandler(log *zap.Logger, monitor *Monitor) *HTTPHandler {
	h := &HTTPHandler{
		monitor: monitor,
		logger:  log,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Number of revision tree API requests",
		}, kithttp.MetricLabels),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Time spent serving revision tree API requests",
		}, kithttp.MetricLabels),
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		kithttp.Metrics("revtree", h.requests, h.durations),
	)
	r.Get("/shards", h.handleListShards)
	r.Route("/shards/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetShard)
		r.Post("/verify", h.handleVerify)
		r.Post("/corrupt", h.handleCorrupt)
		r.Post("/rebuild", h.handleRebuild)
	})
	h.Router = r
	return h
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (h *HTTPHandler) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{h.requests, h.durations}
}

type replicaResponse struct {
	Server       string                 `json:"server"`
	Role         Role                   `json:"role"`
	Count        uint64                 `json:"count"`
	Root         revtree.Node           `json:"root"`
	Pending      revtree.PendingUpdates `json:"pending"`
	Ready        bool                   `json:"ready"`
	NeedsRebuild bool                   `json:"needsRebuild"`
}

type shardResponse struct {
	ID       string            `json:"id"`
	Replicas []replicaResponse `json:"replicas"`
}

func newReplicaResponse(r *Replica) replicaResponse {
	return replicaResponse{
		Server:       r.Server,
		Role:         r.Role,
		Count:        r.Tree.Count(),
		Root:         r.Tree.Root(),
		Pending:      r.Tree.Pending(),
		Ready:        r.Tree.Ready(),
		NeedsRebuild: r.Tree.NeedsRebuild(),
	}
}

func (h *HTTPHandler) handleListShards(w http.ResponseWriter, r *http.Request) {
	h.encode(w, http.StatusOK, struct {
		Shards []string `json:"shards"`
	}{Shards: h.monitor.Shards()})
}

func (h *HTTPHandler) handleGetShard(w http.ResponseWriter, r *http.Request) {
	s, err := h.shard(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := shardResponse{ID: s.ID, Replicas: []replicaResponse{newReplicaResponse(s.Leader)}}
	for _, f := range s.Followers {
		resp.Replicas = append(resp.Replicas, newReplicaResponse(f))
	}
	h.encode(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	s, err := h.shard(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reports, err := h.monitor.CheckShard(r.Context(), s.ID)
	if err != nil && errors.ErrorCode(err) != errors.EDivergent {
		h.writeError(w, r, err)
		return
	}

	equal := true
	for _, rep := range reports {
		equal = equal && rep.Result.Equal && !rep.Skipped
	}
	h.encode(w, http.StatusOK, struct {
		Equal   bool     `json:"equal"`
		Details []Report `json:"details"`
	}{Equal: equal, Details: reports})
}

func (h *HTTPHandler) handleCorrupt(w http.ResponseWriter, r *http.Request) {
	rep, err := h.replica(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	count, err := strconv.ParseUint(q.Get("count"), 10, 64)
	if err != nil {
		h.writeError(w, r, &errors.Error{Code: errors.EInvalid, Msg: "count must be an unsigned integer", Err: err})
		return
	}

	if key := q.Get("key"); key != "" {
		rep.Tree.Corrupt(key, count)
	} else {
		bucket, err := strconv.Atoi(q.Get("bucket"))
		if err != nil {
			h.writeError(w, r, &errors.Error{Code: errors.EInvalid, Msg: "either key or bucket is required", Err: err})
			return
		}
		if err := rep.Tree.CorruptBucket(bucket, count); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	h.encode(w, http.StatusOK, newReplicaResponse(rep))
}

func (h *HTTPHandler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	rep, err := h.replica(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	} else if rep.Source == nil {
		h.writeError(w, r, &errors.Error{Code: errors.EConflict, Msg: fmt.Sprintf("replica %s has no document source", rep.Server)})
		return
	}

	if err := Repair(r.Context(), rep.Tree, rep.Source); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.encode(w, http.StatusOK, newReplicaResponse(rep))
}

func (h *HTTPHandler) shard(r *http.Request) (*Shard, error) {
	id := chi.URLParam(r, "id")
	s, ok := h.monitor.Shard(id)
	if !ok {
		return nil, &errors.Error{Code: errors.ENotFound, Msg: fmt.Sprintf("shard %q not found", id)}
	}
	return s, nil
}

func (h *HTTPHandler) replica(r *http.Request) (*Replica, error) {
	s, err := h.shard(r)
	if err != nil {
		return nil, err
	}
	server := r.URL.Query().Get("server")
	rep, ok := s.Replica(server)
	if !ok {
		return nil, &errors.Error{Code: errors.ENotFound, Msg: fmt.Sprintf("shard %s has no replica on %q", s.ID, server)}
	}
	return rep, nil
}

func (h *HTTPHandler) encode(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Info("Failed to encode response", zap.Error(err))
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Info("Revision tree request failed", zap.Error(err))
	kithttp.ErrorHandler(0).HandleHTTPError(r.Context(), err, w)
}
