package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pitabwire/officeflow/internal/notify"
	"github.com/pitabwire/officeflow/internal/signing"
	"github.com/pitabwire/officeflow/model"
)

// signRequest is the browser's request to sign through the local daemon.
type signRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handlers) handleSign(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var body signRequest
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.Action == "" {
		h.fail(w, r, model.NewBadRequestError("action is required"))
		return
	}

	// The request context may be gone by the time the hub is told.
	notifyCtx := context.WithoutCancel(r.Context())
	resp, err := h.Signer.Sign(r.Context(), signing.Request{
		Action:  body.Action,
		Payload: body.Payload,
		OnFailure: func(err error) {
			if h.Hub == nil {
				return
			}
			n := notify.FromError(rctx.Recipient(), err)
			n.Level = notify.LevelWarning
			h.Hub.Notify(notifyCtx, n)
		},
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
