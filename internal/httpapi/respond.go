package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tenantcore.io/internal/apperr"
	"tenantcore.io/internal/audit"
	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/obs"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	writeJSON(w, code, errorBody{
		Error:     errCode,
		Message:   msg,
		RequestID: audit.RequestID(r.Context()),
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindUnknownOrg:
		return http.StatusUnprocessableEntity
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes err using its classification. Unclassified errors are
// logged and answered with a generic 500.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.ErrInternal
	}
	code := statusFor(apperr.KindOf(err))
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		code = http.StatusBadRequest
	case errors.Is(err, apperr.ErrTransient):
		ae = apperr.ErrTransient
		w.Header().Set("Retry-After", "1")
	}
	if code >= http.StatusInternalServerError {
		obs.Logger().WithError(err).WithField("request_id", audit.RequestID(r.Context())).Error("request error")
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeError(w, r, code, ae.Code, ae.Message)
}

var errBodyRequired = apperr.New(apperr.KindValidation, "invalid_body", "request body is required")

// decodeJSON reads exactly one JSON value. Syntax errors are answered with
// 400 by the caller through badRequest.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errBodyRequired
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOrReject decodes the body and answers the request on failure.
func decodeOrReject(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(r, dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, errBodyRequired):
		writeError(w, r, http.StatusBadRequest, errBodyRequired.Code, errBodyRequired.Message)
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
	}
	return false
}

// retry runs op again while it fails with a transient error. Only routes
// whose effect is safe to repeat use it.
func retry[T any](ctx context.Context, a *API, op func() (T, error)) (T, error) {
	if a.retries == 0 {
		return op()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.retryInitial
	eb.MaxInterval = 8 * a.retryInitial
	eb.MaxElapsedTime = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, a.retries), ctx)

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !apperr.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy)
}

// retryErr is retry for operations without a result.
func retryErr(ctx context.Context, a *API, op func() error) error {
	_, err := retry(ctx, a, func() (struct{}, error) { return struct{}{}, op() })
	return err
}
