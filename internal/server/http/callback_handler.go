package http

import (
	"encoding/json"
	"net/http"

	"scribe/internal/logging"
)

// CallbackHandler is a test sink that logs posted callback payloads.
type CallbackHandler struct {
	logger logging.Logger
}

// NewCallbackHandler builds the callback sink.
func NewCallbackHandler() *CallbackHandler {
	return &CallbackHandler{logger: logging.NewComponentLogger("CallbackSink")}
}

// HandleHTTPCallback logs the payload and acknowledges it.
func (h *CallbackHandler) HandleHTTPCallback(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	h.logger.Info("received callback: %s", string(payload))
	w.WriteHeader(http.StatusOK)
}
