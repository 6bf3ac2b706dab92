package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/filevault/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter registers every route of the service.
func NewRouter(service FileService, logger *slog.Logger, maxUploadBytes int64) *mux.Router {
	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	// Health check and metrics endpoints (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	traced := func(path string, h http.Handler, methods ...string) {
		router.Handle(path, otelhttp.NewHandler(h, methods[0]+" "+path)).Methods(methods...)
	}

	list := NewListHandler(service, logger)
	traced("/", list, http.MethodGet)
	traced("/files", list, http.MethodGet)
	traced("/upload", NewUploadHandler(service, logger, maxUploadBytes), http.MethodPost)
	traced("/delete/{id:[0-9]+}", NewTransitionHandler(service, logger, OpDelete), http.MethodGet, http.MethodPost)
	traced("/recover/{id:[0-9]+}", NewTransitionHandler(service, logger, OpRecover), http.MethodGet, http.MethodPost)
	traced("/purge/{id:[0-9]+}", NewTransitionHandler(service, logger, OpPurge), http.MethodPost)
	traced("/download/{filename}", NewDownloadHandler(service, logger), http.MethodGet)
	traced("/download_deleted/{filename}", NewDeletedDownloadHandler(service, logger), http.MethodGet)
	traced("/search", NewSearchHandler(service, logger), http.MethodPost)
	traced("/search_deleted", NewDeletedSearchHandler(service, logger), http.MethodPost)

	return router
}
