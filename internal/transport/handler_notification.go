package transport

import (
	"net/http"

	"github.com/pitabwire/officeflow/internal/notify"
)

type notificationsResponse struct {
	Notifications []notify.Notification `json:"notifications"`
}

func (h *Handlers) handleNotifications(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, notificationsResponse{Notifications: h.Hub.Drain(rctx.Recipient())})
}
