// -------------------------------------------------------------------------------
// Demo Server - Instrumented HTTP Service
//
// Minimal HTTP service wired with the telemetry client, used for manual
// testing against a hub. Records every request through the middleware,
// announces its routes on startup, and exposes the client's own Prometheus
// metrics on /metrics.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apitrack "github.com/apitrack/apitrack-go"
)

func main() {
	configPath := flag.String("config", "apitrack.yaml", "Path to config file")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := apitrack.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Loading config failed", "error", err)
		os.Exit(1)
	}
	cfg.Logger = logger
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg

	client, err := apitrack.New(*cfg)
	if err != nil {
		logger.Error("Starting telemetry client failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /items", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[{"id":1,"name":"widget"}]`)
	})
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":%s,"name":"widget"}`+"\n", r.PathValue("id"))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	client.SetStartupData(apitrack.AppInfo{
		Paths: []apitrack.PathInfo{
			{Method: "GET", Path: "/items"},
			{Method: "GET", Path: "/items/{id}"},
		},
	})

	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: instrument(client, mux),
	}

	go func() {
		logger.Info("Demo server listening", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	client.Shutdown(ctx)
}

// instrument records every handled request with the telemetry client.
func instrument(client *apitrack.Client, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		consumer := apitrack.NewConsumer(r.Header.Get("X-Consumer-ID"))
		client.AddRequest(consumer, r.Method, r.URL.Path, rec.status,
			time.Since(start), r.ContentLength, rec.written)
		client.LogRequest(
			apitrack.LoggedRequest{
				Timestamp: float64(start.UnixNano()) / float64(time.Second),
				Method:    r.Method,
				Path:      r.URL.Path,
				URL:       requestURL(r),
				Size:      r.ContentLength,
			},
			apitrack.LoggedResponse{
				StatusCode:   rec.status,
				ResponseTime: time.Since(start).Seconds(),
				Size:         rec.written,
			},
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
