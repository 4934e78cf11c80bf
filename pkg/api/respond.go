package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/log"
)

type errorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		lg1 := log.WithComponent("api")
		lg1.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errdefs.HTTPStatus(err)
	body := errorBody{Code: errdefs.CodeOf(err), Detail: "internal error"}

	var taxonomy *errdefs.Error
	if errors.As(err, &taxonomy) {
		body.Detail = taxonomy.Detail
	}
	if status >= 500 {
		lg2 := log.WithComponent("api")
		lg2.Error().Err(err).Msg("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errdefs.Validation("malformed_body", "request body is not valid JSON: %v", err))
		return false
	}
	return true
}
