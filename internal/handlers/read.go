package handlers

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DownloadHandler serves file bytes as an attachment, either for an active
// file or for the latest deleted file with the requested name.
type DownloadHandler struct {
	service FileService
	logger  *slog.Logger
	deleted bool
}

// NewDownloadHandler creates a handler for active files
func NewDownloadHandler(service FileService, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{service: service, logger: logger}
}

// NewDeletedDownloadHandler creates a handler for deleted files
func NewDeletedDownloadHandler(service FileService, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{service: service, logger: logger, deleted: true}
}

// ServeHTTP handles GET /download/{filename} and GET /download_deleted/{filename}
func (dh *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "download_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	filename := mux.Vars(r)["filename"]
	span.SetAttributes(
		attribute.String("file_name", filename),
		attribute.Bool("deleted", dh.deleted),
	)

	download := dh.service.Download
	if dh.deleted {
		download = dh.service.DownloadDeleted
	}

	blob, err := download(ctx, filename)
	if err != nil {
		span.RecordError(err)
		writeReadError(ctx, dh.logger, w, err)
		return
	}
	defer blob.Content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": blob.Filename}))
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	w.WriteHeader(http.StatusOK)

	written, err := io.Copy(w, blob.Content)
	if err != nil {
		span.RecordError(err)
		dh.logger.WarnContext(ctx, "download interrupted", "file_name", filename, "written", written, "error", err)
		return
	}

	span.SetAttributes(attribute.Int64("size_bytes", written))
}
