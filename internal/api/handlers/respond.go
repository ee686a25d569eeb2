// Package handlers provides HTTP handlers for the fulfillment API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/api/middleware"
	"github.com/vetrx/fulfillment/pkg/errorx"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string          `json:"error"`
	Kind    string          `json:"kind,omitempty"`
	Details []errorx.Detail `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// respondError maps err to its status. Internal errors are logged and their
// message is not exposed.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	kind := errorx.KindOf(err)
	code := kind.HTTPStatus()
	body := errorBody{Error: err.Error(), Kind: kind.String(), Details: errorx.DetailsOf(err)}

	if kind == errorx.KindInternal {
		body = errorBody{Error: "internal server error"}
		logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		var xe *errorx.Error
		if errors.As(err, &xe) && xe.Message != "" {
			body.Error = xe.Message
		}
		logger.Info("request rejected",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
	respondJSON(w, code, body)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errorx.Wrap(errorx.KindValidation, err, "invalid request body")
	}
	return nil
}
