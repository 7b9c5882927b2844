package httpapi

import (
	"errors"
	"io"
	"net/http"

	"tenantcore.io/internal/billing"
)

type webhookResponse struct {
	EventID string          `json:"event_id,omitempty"`
	Outcome billing.Outcome `json:"outcome"`
}

// handleWebhook acknowledges a processor delivery. Any 2xx tells the
// processor to stop retrying, so only deliveries that were recorded or can
// never succeed get one.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "webhook body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_body", "could not read body")
		return
	}

	// Handle retries transient store failures itself so the delivery is
	// recorded once per request.
	d := billing.Delivery{Body: body, Signature: r.Header.Get(billing.SignatureHeader)}
	res, err := a.deps.Billing.Handle(r.Context(), d)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{EventID: res.EventID, Outcome: res.Outcome})
}
