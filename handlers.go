package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/kabschmesh/kabsch"
	"github.com/kwv/kabschmesh/mesh"
)

// maxBodyBytes caps point set uploads
const maxBodyBytes = 1 << 20

// rigAssets maps the per-rig file routes to output formats
var rigAssets = map[string]string{
	"preview.svg":     "svg",
	"preview.png":     "png",
	"cube.png":        "cube",
	"convergence.png": "plot",
	"points.geojson":  "geojson",
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>kabschmesh</title></head>
<body>
<h1>kabschmesh</h1>
{{range .}}<h2>{{.RigID}}</h2>
<p>status {{.Result.Status}}{{if .Result.Reason}} ({{.Result.Reason}}){{end}}, scale {{printf "%.4f" .Result.Scale}}, residual {{printf "%.4g" .Result.Residual}}</p>
<p><img src="/rigs/{{.RigID}}/preview.svg" height="240"> <img src="/rigs/{{.RigID}}/cube.png" height="240"></p>
<p><a href="/rigs/{{.RigID}}">json</a> | <a href="/rigs/{{.RigID}}/points.geojson">geojson</a> | <a href="/rigs/{{.RigID}}/convergence.png">convergence</a></p>
{{else}}<p>No rigs configured.</p>
{{end}}</body></html>
`))

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *mesh.StateTracker, config *mesh.Config, publisher *mesh.Publisher) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasRigs   bool      `json:"hasRigs"`
			Rigs      []string  `json:"rigs"`
			Cache     any       `json:"cache"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasRigs:   tracker.HasRigs(),
			Rigs:      tracker.RigIDs(),
			Cache:     tracker.CalibrationStatus(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /rigs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, tracker.Snapshots())
	})

	mux.HandleFunc("GET /alignments", func(w http.ResponseWriter, r *http.Request) {
		alignments := map[string]mesh.AlignmentMessage{}
		if publisher != nil {
			alignments = publisher.GetAllAlignments()
		}
		writeJSON(w, http.StatusOK, alignments)
	})

	mux.HandleFunc("GET /rigs/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, err := tracker.Snapshot(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("POST /rigs/{id}/target", func(w http.ResponseWriter, r *http.Request) {
		points, err := readPoints(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := tracker.UpdateTarget(r.PathValue("id"), points)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("PATCH /rigs/{id}/target/{index}", func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(r.PathValue("index"))
		if err != nil {
			writeError(w, badRequest(fmt.Errorf("index %q: %w", r.PathValue("index"), err)))
			return
		}
		p, err := readPoint(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := tracker.MoveTarget(r.PathValue("id"), index, p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("PUT /rigs/{id}/reference", func(w http.ResponseWriter, r *http.Request) {
		points, err := readPoints(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := tracker.SetReference(r.PathValue("id"), points)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	for file, formatName := range rigAssets {
		format := outputFormats[formatName]
		mux.HandleFunc("GET /rigs/{id}/"+file, func(w http.ResponseWriter, r *http.Request) {
			snap, err := tracker.Snapshot(r.PathValue("id"))
			if err != nil {
				writeError(w, err)
				return
			}
			projection := r.URL.Query().Get("projection")
			if !validProjection(projection) {
				writeError(w, badRequest(fmt.Errorf("invalid projection %q", projection)))
				return
			}

			// render fully before writing so failures map to a status code
			var buf bytes.Buffer
			if err := format.render(&buf, snap, config, projection); err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", format.contentType)
			w.Header().Set("Cache-Control", "no-cache")
			if _, err := buf.WriteTo(w); err != nil {
				log.Printf("[HTTP] Error writing %s for %s: %v", file, snap.RigID, err)
			}
		})
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := indexTemplate.Execute(w, tracker.Snapshots()); err != nil {
			log.Printf("[HTTP] Error rendering index: %v", err)
		}
	})

	return logRequests(mux)
}

// errBadRequest marks client payload errors
var errBadRequest = errors.New("bad request")

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, badRequest(err)
	}
	return body, nil
}

func readPoints(w http.ResponseWriter, r *http.Request) ([]kabsch.Point, error) {
	body, err := readBody(w, r)
	if err != nil {
		return nil, err
	}
	points, err := mesh.DecodePoints(body)
	if err != nil {
		return nil, badRequest(err)
	}
	return points, nil
}

// readPoint decodes a single point written as [x, y, z] or {"x":..}
func readPoint(w http.ResponseWriter, r *http.Request) (kabsch.Point, error) {
	body, err := readBody(w, r)
	if err != nil {
		return kabsch.Point{}, err
	}
	body = bytes.TrimSpace(body)
	wrapped := make([]byte, 0, len(body)+2)
	wrapped = append(append(append(wrapped, '['), body...), ']')
	points, err := mesh.DecodePoints(wrapped)
	if err != nil {
		return kabsch.Point{}, badRequest(err)
	}
	if len(points) != 1 {
		return kabsch.Point{}, badRequest(fmt.Errorf("want one point, got %d", len(points)))
	}
	return points[0], nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}

// writeError maps domain errors to status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mesh.ErrUnknownRig):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, mesh.ErrIndexOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, mesh.ErrNothingToRender), errors.Is(err, mesh.ErrNoTrace):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

// statusRecorder captures the status code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[HTTP] %s %s %d %s (%s)", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond), r.RemoteAddr)
	})
}
