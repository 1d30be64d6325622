package checkout_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// StreamPayment streams callback arrivals for one STK push as Server-Sent
// Events. The current state is sent first so a late subscriber does not
// miss a callback that already arrived.
func (h *Handler) StreamPayment(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := chi.URLParam(r, "checkoutRequestId")
	if checkoutRequestID == "" {
		http.Error(w, "Checkout request ID is required", http.StatusBadRequest)
		return
	}
	if h.Events == nil {
		h.unavailable(w, "StreamPayment", "Event stream")
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	ctx := r.Context()
	eventChan := h.Events.Subscribe(ctx, checkoutRequestID)

	setupSSEHeaders(w)
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"checkout_request_id\":%q}\n\n", checkoutRequestID)

	if current, err := h.Gateway.CheckCallbackReceived(ctx, checkoutRequestID); err == nil && current.CallbackReceived {
		if data, err := json.Marshal(current); err == nil {
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
		}
	}
	_ = rc.Flush()

	h.Logger.Info("SSE", fmt.Sprintf("Client connected to payment events for %s", checkoutRequestID))

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize payment event: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			_ = rc.Flush()

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from payment events for %s", checkoutRequestID))
			return
		}
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
}
