package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

const contentTypeJSON = "application/json"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func respondJSON(rw http.ResponseWriter, status int, v any, logger *zap.Logger) {
	if v == nil {
		rw.WriteHeader(status)
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal response body", zap.Error(err))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", contentTypeJSON)
	rw.WriteHeader(status)
	if _, err := rw.Write(body); err != nil {
		logger.Debug("write response body", zap.Error(err))
	}
}

func respondError(rw http.ResponseWriter, status int, code, msg string, logger *zap.Logger) {
	respondJSON(rw, status, errorBody{Error: errorDetail{Code: code, Message: msg}}, logger)
}
