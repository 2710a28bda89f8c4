package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ibois-epfl/diffCheck/geometry"
	"github.com/ibois-epfl/diffCheck/pipeline"
	"github.com/ibois-epfl/diffCheck/store"
)

const defaultRunLimit = 50

type compareRequest struct {
	Sources []CloudDoc `json:"sources"`
	Targets []CloudDoc `json:"targets,omitempty"`
	Meshes  []MeshDoc  `json:"meshes,omitempty"`
	Signed  *bool      `json:"signed,omitempty"`
	Swap    *bool      `json:"swap,omitempty"`
}

type segmentRequest struct {
	Assembly AssemblyDoc `json:"assembly"`
	Clusters []CloudDoc  `json:"clusters,omitempty"`
	// Scan is split into clusters server-side when Clusters is empty.
	Scan *CloudDoc `json:"scan,omitempty"`
	// Segments adds the matched points of every joint or beam to the response.
	Segments bool `json:"segments,omitempty"`
}

type segmentResponse struct {
	pipeline.ReportSummary
	Segments []CloudDoc `json:"segments,omitempty"`
}

type runResponse struct {
	*store.Run
	Items []store.Item `json:"items"`
}

// newHTTPServer creates an HTTP server with all endpoints. runs may be nil,
// in which case the history endpoints answer 503.
func newHTTPServer(o *pipeline.Orchestrator, runs *store.RunStore, tracker *store.Tracker, logger *zap.SugaredLogger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debugw("health", "remote", r.RemoteAddr)
		writeJSON(w, logger, http.StatusOK, struct {
			Status    string    `json:"status"`
			Version   string    `json:"version"`
			Timestamp time.Time `json:"timestamp"`
			History   bool      `json:"history"`
		}{
			Status:    "ok",
			Version:   Version,
			Timestamp: time.Now(),
			History:   runs != nil,
		})
	})

	mux.HandleFunc("POST /api/v1/compare", func(w http.ResponseWriter, r *http.Request) {
		var req compareRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		sources, err := clouds(req.Sources)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		opts := o.ComparisonOptions()
		if req.Signed != nil {
			opts.Signed = *req.Signed
		}
		if req.Swap != nil {
			opts.Swap = *req.Swap
		}

		var run *pipeline.ComparisonRun
		switch {
		case len(req.Meshes) > 0 && len(req.Targets) > 0:
			err = errors.Wrap(geometry.ErrInvalidInput, "give either targets or meshes, not both")
		case len(req.Meshes) > 0:
			var ms []*geometry.Mesh
			if ms, err = meshes(req.Meshes); err == nil {
				run, err = o.CompareCloudsToMeshes(r.Context(), sources, ms, opts)
			}
		default:
			var targets []*geometry.PointCloud
			if targets, err = clouds(req.Targets); err == nil {
				run, err = o.CompareClouds(r.Context(), sources, targets, opts)
			}
		}
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, run.Summary())
	})

	mux.HandleFunc("POST /api/v1/joints", func(w http.ResponseWriter, r *http.Request) {
		handleSegment(w, r, o, logger, pipeline.KindJoints)
	})

	mux.HandleFunc("POST /api/v1/beams", func(w http.ResponseWriter, r *http.Request) {
		handleSegment(w, r, o, logger, pipeline.KindBeams)
	})

	mux.HandleFunc("GET /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if runs == nil {
			http.Error(w, "run history disabled", http.StatusServiceUnavailable)
			return
		}
		limit := defaultRunLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		list, err := runs.ListRuns(r.Context(), limit)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if list == nil {
			list = []store.Run{}
		}
		writeJSON(w, logger, http.StatusOK, list)
	})

	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if runs == nil {
			http.Error(w, "run history disabled", http.StatusServiceUnavailable)
			return
		}
		id := r.PathValue("id")
		run, err := runs.GetRun(r.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		items, err := runs.Items(r.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if items == nil {
			items = []store.Item{}
		}
		writeJSON(w, logger, http.StatusOK, runResponse{Run: run, Items: items})
	})

	mux.HandleFunc("GET /api/v1/latest", func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Assemblies []string                    `json:"assemblies"`
			Comparison *pipeline.ComparisonSummary `json:"comparison,omitempty"`
		}{Assemblies: tracker.Assemblies()}
		if c, ok := tracker.LatestComparison(); ok {
			resp.Comparison = &c
		}
		writeJSON(w, logger, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/v1/latest/{assembly}", func(w http.ResponseWriter, r *http.Request) {
		latest, ok := tracker.Latest(r.PathValue("assembly"))
		if !ok {
			http.Error(w, "no report for assembly", http.StatusNotFound)
			return
		}
		writeJSON(w, logger, http.StatusOK, latest)
	})

	return mux
}

func handleSegment(w http.ResponseWriter, r *http.Request, o *pipeline.Orchestrator, logger *zap.SugaredLogger, kind string) {
	var req segmentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, logger, err)
		return
	}
	assembly, err := req.Assembly.Assembly()
	if err != nil {
		writeError(w, logger, err)
		return
	}
	clusters, err := clouds(req.Clusters)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	var alignment *pipeline.Alignment
	if len(clusters) == 0 && req.Scan != nil {
		scan, err := req.Scan.Cloud()
		if err != nil {
			writeError(w, logger, err)
			return
		}
		prepared, err := o.PrepareScan(r.Context(), assembly, scan)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		clusters, alignment = prepared.Clusters, prepared.Alignment
	}

	var report *pipeline.Report
	if kind == pipeline.KindBeams {
		report, err = o.SegmentBeams(r.Context(), assembly, clusters, pipeline.WithAlignment(alignment))
	} else {
		report, err = o.SegmentJoints(r.Context(), assembly, clusters, pipeline.WithAlignment(alignment))
	}
	if err != nil {
		writeError(w, logger, err)
		return
	}

	resp := segmentResponse{ReportSummary: report.Summary()}
	if req.Segments {
		for _, j := range report.Joints {
			resp.Segments = append(resp.Segments, segmentDoc(j.Segment))
		}
		for _, b := range report.Beams {
			resp.Segments = append(resp.Segments, segmentDoc(b.Segment))
		}
	}
	writeJSON(w, logger, http.StatusOK, resp)
}

func segmentDoc(c *geometry.PointCloud) CloudDoc {
	if c == nil {
		return CloudDoc{Points: [][3]float64{}}
	}
	return NewCloudDoc(c)
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, geometry.ErrInvalidInput),
		errors.Is(err, geometry.ErrInvalidReferenceGeometry),
		errors.Is(err, geometry.ErrUnsupportedFaceTopology),
		errors.Is(err, geometry.ErrDegenerateGeometry),
		errors.Is(err, geometry.ErrEmptyIndex),
		errors.Is(err, geometry.ErrInsufficientCorrespondences):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *zap.SugaredLogger, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "error", err)
	} else {
		logger.Debugw("request rejected", "status", status, "error", err)
	}
	writeJSON(w, logger, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, logger *zap.SugaredLogger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("encoding response", "error", err)
	}
}
