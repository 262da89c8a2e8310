package handlers

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in the "code" field of every error response.
const (
	codeValidation  = "validation_error"
	codeQuota       = "quota_error"
	codePersistence = "persistence_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeValidationError(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, codeValidation, msg)
}

func writeQuotaError(w http.ResponseWriter, status int, msg string) {
	writeError(w, status, codeQuota, msg)
}

func writePersistenceError(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusInternalServerError, codePersistence, msg)
}
