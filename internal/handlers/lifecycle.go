package handlers

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Transition names
const (
	OpDelete  = "delete"
	OpRecover = "recover"
	OpPurge   = "purge"
)

// TransitionHandler moves one record through the lifecycle: soft delete an
// active file, recover a deleted one, or purge a deleted one.
type TransitionHandler struct {
	service FileService
	logger  *slog.Logger
	op      string
}

// NewTransitionHandler creates a handler for op (OpDelete, OpRecover or OpPurge)
func NewTransitionHandler(service FileService, logger *slog.Logger, op string) *TransitionHandler {
	return &TransitionHandler{service: service, logger: logger, op: op}
}

// TransitionResponse carries the notification and the record produced
type TransitionResponse struct {
	Notification Notification `json:"notification"`
	File         any          `json:"file"`
}

// ServeHTTP handles /delete/{id}, /recover/{id} and /purge/{id}
func (th *TransitionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), th.op+"_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id, ok := pathID(r)
	if !ok {
		writeNotification(w, http.StatusNotFound, Notification{Level: LevelError, Message: MsgNotFoundDatabase})
		return
	}
	span.SetAttributes(attribute.Int64("id", id))

	var (
		record       any
		err          error
		msg          string
		duplicateMsg = MsgDuplicateOnUpload
	)
	switch th.op {
	case OpDelete:
		record, err = th.service.SoftDelete(ctx, id)
		msg = MsgDeleted
	case OpRecover:
		record, err = th.service.Recover(ctx, id)
		msg, duplicateMsg = MsgRecovered, MsgDuplicateOnRecover
	case OpPurge:
		record, err = th.service.Purge(ctx, id)
		msg = MsgPurged
	default:
		http.Error(w, "unknown operation", http.StatusInternalServerError)
		return
	}

	if err != nil {
		span.RecordError(err)
		writeError(ctx, th.logger, w, err, duplicateMsg)
		return
	}

	writeJSON(w, http.StatusOK, TransitionResponse{
		Notification: success(msg),
		File:         record,
	})
}
