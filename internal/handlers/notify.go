package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/filevault/internal/lifecycle"
	"github.com/maneesh/filevault/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("filevault-handlers")

// Notification levels
const (
	LevelSuccess = "success"
	LevelError   = "error"
)

// User-facing notification messages
const (
	MsgUploaded           = "File uploaded successfully!"
	MsgNoFilePart         = "No file part"
	MsgNoSelectedFile     = "No selected file"
	MsgInvalidName        = "Invalid filename"
	MsgTooLarge           = "File is too large"
	MsgDuplicateOnUpload  = "File with the same name already exists. Please choose a different name."
	MsgDeleted            = "File deleted successfully!"
	MsgRecovered          = "File recovered successfully!"
	MsgDuplicateOnRecover = "A file with the same name already exists. Please choose a different name."
	MsgPurged             = "File purged permanently!"
	MsgNotFoundDatabase   = "File not found in the database"
	MsgNotFoundDirectory  = "File not found in the directory"
	MsgInvalidDate        = "Invalid date, expected YYYY-MM-DD"
	MsgStorageError       = "Storage error, please try again"
)

// FileService is the set of lifecycle operations the HTTP layer needs.
type FileService interface {
	Upload(ctx context.Context, filename string, r io.Reader, size int64) (*models.ActiveFile, error)
	ListActive(ctx context.Context, byDate bool) ([]*models.ActiveFile, error)
	ListDeleted(ctx context.Context) ([]*models.DeletedFile, error)
	SearchActiveByDate(ctx context.Context, day time.Time) ([]*models.ActiveFile, error)
	SearchDeletedByDate(ctx context.Context, day time.Time) ([]*models.DeletedFile, error)
	SoftDelete(ctx context.Context, id int64) (*models.DeletedFile, error)
	Recover(ctx context.Context, id int64) (*models.ActiveFile, error)
	Purge(ctx context.Context, id int64) (*models.DeletedFile, error)
	Download(ctx context.Context, filename string) (*lifecycle.Blob, error)
	DownloadDeleted(ctx context.Context, filename string) (*lifecycle.Blob, error)
}

// Notification is the transient message shown to the user after an operation
type Notification struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Notification Notification `json:"notification"`
}

// NotifyError maps an operation error to an HTTP status and notification.
// duplicateMsg is used for ErrDuplicateName since upload and recover word it
// differently. Read paths pass "" and a duplicate is then a storage error.
func NotifyError(err error, duplicateMsg string) (int, Notification) {
	status, msg := http.StatusInternalServerError, MsgStorageError
	switch {
	case errors.Is(err, models.ErrInvalidName):
		status, msg = http.StatusBadRequest, MsgInvalidName
	case duplicateMsg != "" && errors.Is(err, models.ErrDuplicateName):
		status, msg = http.StatusConflict, duplicateMsg
	case errors.Is(err, models.ErrNotFound):
		status, msg = http.StatusNotFound, MsgNotFoundDatabase
	case errors.Is(err, models.ErrBlobMissing):
		status, msg = http.StatusNotFound, MsgNotFoundDirectory
	}
	return status, Notification{Level: LevelError, Message: msg}
}

func success(msg string) Notification {
	return Notification{Level: LevelSuccess, Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeNotification(w http.ResponseWriter, status int, n Notification) {
	writeJSON(w, status, ErrorResponse{Notification: n})
}

// writeError logs server-side failures and renders the mapped notification.
func writeError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error, duplicateMsg string) {
	status, n := NotifyError(err, duplicateMsg)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "error", err)
	} else {
		logger.InfoContext(ctx, "request rejected", "status", status, "error", err)
	}
	writeNotification(w, status, n)
}

// writeReadError is writeError for operations that cannot conflict.
func writeReadError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) {
	writeError(ctx, logger, w, err, "")
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}
