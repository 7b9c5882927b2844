// Package audit writes structured audit and security events.
package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"tenantcore.io/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request identifier stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithActor records the authenticated user acting in this request.
func WithActor(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, userID)
}

func actorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	entry, err := build(ctx, event, fields)
	if err != nil {
		return err
	}
	entry.Info("audit")
	return nil
}

// Security writes an audit entry at warn level. Used for signals that need
// attention, such as refresh token reuse or forged webhook signatures.
func Security(ctx context.Context, event string, fields map[string]any) error {
	entry, err := build(ctx, event, fields)
	if err != nil {
		return err
	}
	entry.WithField("severity", "security").Warn("audit")
	return nil
}

func build(ctx context.Context, event string, fields map[string]any) (*logrus.Entry, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return nil, errors.New("event name is required")
	}
	data := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := RequestID(ctx); rid != "" {
		data["request_id"] = rid
	}
	if userID := actorFromContext(ctx); userID != "" {
		data["user_id"] = userID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	data["fields"] = copyFields
	return obs.Logger().WithFields(data), nil
}
