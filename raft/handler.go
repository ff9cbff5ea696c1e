package raft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/influxdata/agency"
	"github.com/influxdata/agency/kit/platform/errors"
	kithttp "github.com/influxdata/agency/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// HTTPHandler represents an HTTP endpoint for consensus RPCs between nodes.
type HTTPHandler struct {
	chi.Router

	node   *Node
	logger *zap.Logger

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewHTTPHandler returns a new instance of HTTPHandler serving node.
func NewHTTPHandler(log *zap.Logger, node *Node) *HTTPHandler {
	h := &HTTPHandler{
		node:   node,
		logger: log,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Number of consensus RPCs served",
		}, kithttp.MetricLabels),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Time spent serving consensus RPCs",
		}, kithttp.MetricLabels),
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		kithttp.Metrics("raft", h.requests, h.durations),
	)

	r.Post("/append_entries", h.serveAppendEntries)
	r.Post("/vote", h.serveRequestVote)
	r.Post("/snapshot", h.serveInstallSnapshot)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/status", h.serveStatus)
	h.Router = r
	return h
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (h *HTTPHandler) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{h.requests, h.durations}
}

// serveAppendEntries serves an AppendEntries RPC. The entries are streamed
// in the request body.
func (h *HTTPHandler) serveAppendEntries(w http.ResponseWriter, r *http.Request) {
	hp := headerParser{h: r.Header}
	req := &AppendEntriesRequest{
		Term:         hp.uint("X-Raft-Term"),
		LeaderID:     hp.uint("X-Raft-LeaderID"),
		PrevLogIndex: hp.uint("X-Raft-PrevLogIndex"),
		PrevLogTerm:  hp.uint("X-Raft-PrevLogTerm"),
		LeaderCommit: hp.uint("X-Raft-LeaderCommit"),
		Sync:         hp.bool("X-Raft-Sync"),
	}
	if hp.err != nil {
		h.badRequest(w, r, hp.err)
		return
	}

	dec := agency.NewLogEntryDecoder(r.Body)
	for {
		e := &agency.LogEntry{}
		if err := dec.Decode(e); err == io.EOF {
			break
		} else if err != nil {
			h.badRequest(w, r, fmt.Errorf("decode log entry: %w", err))
			return
		}
		req.Entries = append(req.Entries, e)
	}

	resp, err := h.node.HandleAppendEntries(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Raft-Term", formatUint(resp.Term))
	w.Header().Set("X-Raft-Success", strconv.FormatBool(resp.Success))
	w.Header().Set("X-Raft-LastIndex", formatUint(resp.LastIndex))
	w.Header().Set("X-Raft-SyncedIndex", formatUint(resp.SyncedIndex))
	w.WriteHeader(http.StatusOK)
}

// serveRequestVote serves a vote request.
func (h *HTTPHandler) serveRequestVote(w http.ResponseWriter, r *http.Request) {
	hp := headerParser{h: r.Header}
	req := &VoteRequest{
		Term:         hp.uint("X-Raft-Term"),
		CandidateID:  hp.uint("X-Raft-CandidateID"),
		LastLogIndex: hp.uint("X-Raft-LastLogIndex"),
		LastLogTerm:  hp.uint("X-Raft-LastLogTerm"),
	}
	if hp.err != nil {
		h.badRequest(w, r, hp.err)
		return
	}

	resp, err := h.node.HandleRequestVote(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Raft-Term", formatUint(resp.Term))
	w.Header().Set("X-Raft-Granted", strconv.FormatBool(resp.Granted))
	w.WriteHeader(http.StatusOK)
}

// serveInstallSnapshot serves an InstallSnapshot RPC. The snapshot is the
// request body.
func (h *HTTPHandler) serveInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	hp := headerParser{h: r.Header}
	req := &InstallSnapshotRequest{
		Term:          hp.uint("X-Raft-Term"),
		LeaderID:      hp.uint("X-Raft-LeaderID"),
		BoundaryIndex: hp.uint("X-Raft-BoundaryIndex"),
		BoundaryTerm:  hp.uint("X-Raft-BoundaryTerm"),
	}
	if hp.err != nil {
		h.badRequest(w, r, hp.err)
		return
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		h.badRequest(w, r, err)
		return
	}
	req.Snapshot = buf.Bytes()

	resp, err := h.node.HandleInstallSnapshot(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Raft-Term", formatUint(resp.Term))
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPHandler) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.node.Status()); err != nil {
		h.logger.Info("Failed to write status", zap.Error(err))
	}
}

func (h *HTTPHandler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.writeError(w, r, &errors.Error{Code: errors.EInvalid, Err: err})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.ErrorCode(err) != errors.EUnavailable {
		h.logger.Info("Consensus RPC failed", zap.Error(err))
	}
	kithttp.ErrorHandler(0).HandleHTTPError(r.Context(), err, w)
}
