package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/maneesh/filevault/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temp files.
const multipartMemory = 8 << 20

// UploadHandler handles file upload requests
type UploadHandler struct {
	service        FileService
	logger         *slog.Logger
	maxUploadBytes int64
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(service FileService, logger *slog.Logger, maxUploadBytes int64) *UploadHandler {
	return &UploadHandler{
		service:        service,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// UploadResponse represents the response for an upload
type UploadResponse struct {
	Notification Notification       `json:"notification"`
	File         *models.ActiveFile `json:"file"`
}

// ServeHTTP handles POST /upload with a multipart "file" field
func (uh *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, uh.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeNotification(w, http.StatusRequestEntityTooLarge, Notification{Level: LevelError, Message: MsgTooLarge})
			return
		}
		writeNotification(w, http.StatusBadRequest, Notification{Level: LevelError, Message: MsgNoFilePart})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		msg := MsgNoFilePart
		// A file input submitted empty arrives with filename="" and is
		// parsed as a plain value rather than a file.
		if _, ok := r.MultipartForm.Value["file"]; ok {
			msg = MsgNoSelectedFile
		}
		writeNotification(w, http.StatusBadRequest, Notification{Level: LevelError, Message: msg})
		return
	}
	defer file.Close()

	span.SetAttributes(
		attribute.String("file_name", header.Filename),
		attribute.Int64("file_size", header.Size),
	)

	created, err := uh.service.Upload(ctx, header.Filename, file, header.Size)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, uh.logger, w, err, MsgDuplicateOnUpload)
		return
	}

	span.SetAttributes(attribute.Int64("file_id", created.ID))
	writeJSON(w, http.StatusCreated, UploadResponse{
		Notification: success(MsgUploaded),
		File:         created,
	})
}
