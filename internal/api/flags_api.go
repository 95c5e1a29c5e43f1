package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-bridge/internal/entropy"
	"github.com/tinywideclouds/go-push-bridge/pkg/session"
)

// Flags are handed to the UI once when it starts.
type Flags struct {
	Bytes  entropy.Bytes       `json:"bytes"`
	Bearer *session.Credential `json:"bearer"`
	APIURL string              `json:"apiUrl"`
}

type FlagsSource interface {
	Flags(ctx context.Context) (Flags, error)
}

type FlagsAPI struct {
	Source FlagsSource
	Logger *slog.Logger
}

func NewFlagsAPI(source FlagsSource, logger *slog.Logger) *FlagsAPI {
	return &FlagsAPI{
		Source: source,
		Logger: logger,
	}
}

func (api *FlagsAPI) GetFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := api.Source.Flags(r.Context())
	if err != nil {
		api.Logger.Error("GetFlags: failed to read startup state", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(flags); err != nil {
		api.Logger.Warn("GetFlags: failed to write response", "err", err)
	}
}
