// Package httpapi serves the clipboard's REST surface: listing, publishing and removing records, file uploads,
// health and metrics. The websocket handler is mounted on the same router.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/clipsync/pkg/record"
)

type Coordinator interface {
	Create(ctx context.Context, originID string, draft record.Draft) (record.Record, error)
	Remove(ctx context.Context, originID string, id int64) (record.Record, error)
	List(ctx context.Context) ([]record.Record, error)
}

type Options struct {
	UploadsDir     string
	MaxUploadBytes int64
}

type Server struct {
	coord    Coordinator
	sync     http.Handler
	opts     Options
	validate *validator.Validate
}

// NewServer builds the API. sync, when non-nil, is mounted at /ws.
func NewServer(coord Coordinator, sync http.Handler, opts Options) *Server {
	return &Server{
		coord:    coord,
		sync:     sync,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/clipboard/all").HandlerFunc(s.listRecords)
	r.Methods(http.MethodPost).Path("/clipboard/publish").HandlerFunc(s.publishRecord)
	r.Methods(http.MethodDelete).Path("/clipboard/{id:[0-9]+}/delete").HandlerFunc(s.removeRecord)
	r.Methods(http.MethodPost).Path("/clipboard/upload").HandlerFunc(s.uploadFile)
	r.Methods(http.MethodGet).Path("/uploads/{name}").HandlerFunc(s.downloadFile)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	if s.sync != nil {
		r.Methods(http.MethodGet).Path("/ws").Handler(s.sync)
	}
	return allowCORS(r)
}

// allowCORS wraps the whole router so preflight requests are answered even though no route matches OPTIONS.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		h := writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Client-ID")
		if request.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(writer http.ResponseWriter, status int, msg string) {
	writeJSON(writer, status, errorBody{Error: msg})
}
