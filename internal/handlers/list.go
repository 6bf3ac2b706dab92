package handlers

import (
	"log/slog"
	"net/http"

	"github.com/maneesh/filevault/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ListResponse holds both record sets for display
type ListResponse struct {
	SearchDate string                `json:"search_date,omitempty"`
	Active     []*models.ActiveFile  `json:"active"`
	Deleted    []*models.DeletedFile `json:"deleted"`
}

// ListHandler returns every active and deleted file
type ListHandler struct {
	service FileService
	logger  *slog.Logger
}

// NewListHandler creates a new list handler
func NewListHandler(service FileService, logger *slog.Logger) *ListHandler {
	return &ListHandler{service: service, logger: logger}
}

// ServeHTTP handles GET / and GET /files?order=date
func (lh *ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_files",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	byDate := r.URL.Query().Get("order") == "date"
	span.SetAttributes(attribute.Bool("by_date", byDate))

	active, err := lh.service.ListActive(ctx, byDate)
	if err != nil {
		span.RecordError(err)
		writeReadError(ctx, lh.logger, w, err)
		return
	}

	deleted, err := lh.service.ListDeleted(ctx)
	if err != nil {
		span.RecordError(err)
		writeReadError(ctx, lh.logger, w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{Active: nonNil(active), Deleted: nonNil(deleted)})
}

// SearchHandler filters records by a YYYY-MM-DD form field "search_date".
// The deleted set is always filtered; the active set is filtered too unless
// deletedOnly is set, in which case all active files are returned.
type SearchHandler struct {
	service     FileService
	logger      *slog.Logger
	deletedOnly bool
}

// NewSearchHandler filters both active and deleted files
func NewSearchHandler(service FileService, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{service: service, logger: logger}
}

// NewDeletedSearchHandler filters deleted files and lists every active file
func NewDeletedSearchHandler(service FileService, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{service: service, logger: logger, deletedOnly: true}
}

// ServeHTTP handles POST /search and POST /search_deleted
func (sh *SearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "search_files",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	raw := r.FormValue("search_date")
	span.SetAttributes(
		attribute.String("search_date", raw),
		attribute.Bool("deleted_only", sh.deletedOnly),
	)

	day, err := models.ParseDay(raw)
	if err != nil {
		writeNotification(w, http.StatusBadRequest, Notification{Level: LevelError, Message: MsgInvalidDate})
		return
	}

	deleted, err := sh.service.SearchDeletedByDate(ctx, day)
	if err != nil {
		span.RecordError(err)
		writeReadError(ctx, sh.logger, w, err)
		return
	}

	var active []*models.ActiveFile
	if sh.deletedOnly {
		active, err = sh.service.ListActive(ctx, false)
	} else {
		active, err = sh.service.SearchActiveByDate(ctx, day)
	}
	if err != nil {
		span.RecordError(err)
		writeReadError(ctx, sh.logger, w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{
		SearchDate: day.Format(models.DayLayout),
		Active:     nonNil(active),
		Deleted:    nonNil(deleted),
	})
}

// nonNil keeps empty sets rendering as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
