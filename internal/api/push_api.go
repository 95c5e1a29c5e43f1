package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-bridge/internal/platform/headless"
)

// maxPushBody is the largest message a push service must accept.
const maxPushBody = 4096

type Deliverer interface {
	Deliver(ctx context.Context, id string, body []byte) error
}

// PushAPI is the receiving end of the local push service: encrypted messages
// posted to a subscription endpoint are decrypted and handed to the worker.
type PushAPI struct {
	Deliverer Deliverer
	Logger    *slog.Logger
}

func NewPushAPI(deliverer Deliverer, logger *slog.Logger) *PushAPI {
	return &PushAPI{
		Deliverer: deliverer,
		Logger:    logger,
	}
}

func (api *PushAPI) Receive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		response.WriteJSONError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	if enc := r.Header.Get("Content-Encoding"); enc != "aes128gcm" {
		api.Logger.Warn("Receive: unsupported content encoding", "encoding", enc)
		response.WriteJSONError(w, http.StatusUnsupportedMediaType, "content encoding must be aes128gcm")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxPushBody {
		response.WriteJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	err = api.Deliverer.Deliver(r.Context(), id, body)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
	case errors.Is(err, headless.ErrUnknownSubscription):
		response.WriteJSONError(w, http.StatusGone, "subscription expired or unsubscribed")
	case errors.Is(err, headless.ErrMalformedMessage):
		api.Logger.Warn("Receive: rejected message", "id", id, "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "malformed message")
	default:
		api.Logger.Error("Receive: delivery failed", "id", id, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "delivery failed")
	}
}
