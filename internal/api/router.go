package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/harrylevesque/qrdrop/internal/collector"
	"github.com/harrylevesque/qrdrop/internal/transmit"
	"github.com/harrylevesque/qrdrop/internal/utils"
)

// Deps are the components exposed over HTTP. Nil members disable their routes.
type Deps struct {
	// Current is the frame on display when sending.
	Current *transmit.Current
	// Stats reports the display loop when sending.
	Stats func() transmit.Stats
	// Refresh is how often the viewer reloads the frame.
	Refresh time.Duration

	// Collector receives frames posted to /frames.
	Collector *collector.Collector
	Ring      *collector.Ring
	// OnReset runs after the collector is reset.
	OnReset func()

	Gatherer prometheus.Gatherer
	Logger   *utils.Logger
}

func NewRouter(d Deps) *mux.Router {
	if d.Logger == nil {
		d.Logger = utils.NewNopLogger()
	}
	if d.Refresh <= 0 {
		d.Refresh = time.Second
	}
	h := &handler{deps: d}

	r := mux.NewRouter()
	r.Use(h.logRequests)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods("GET")
	r.HandleFunc("/status", h.status).Methods("GET")

	if d.Current != nil {
		r.HandleFunc("/", h.viewer).Methods("GET")
		r.HandleFunc("/frame.png", h.framePNG).Methods("GET")
		r.HandleFunc("/frame.txt", h.frameText).Methods("GET")
	} else {
		r.Handle("/", http.RedirectHandler("/status", http.StatusFound)).Methods("GET")
	}
	if d.Collector != nil {
		r.HandleFunc("/frames", h.postFrames).Methods("POST")
		r.HandleFunc("/reset", h.reset).Methods("POST")
	}
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.deps.Logger.Debug("HTTP request", zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Int("status", rec.code), zap.Duration("took", time.Since(start)))
	})
}
