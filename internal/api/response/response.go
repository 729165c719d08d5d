// Package response writes JSON bodies. Successful responses are written
// as-is; errors always use the {"error": {...}} envelope.
package response

import (
	"encoding/json"
	"net/http"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Detail is the acknowledgement body for executor writes.
type Detail struct {
	Detail string `json:"detail"`
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

// OK acknowledges an executor write of the resource with the given id.
func OK(w http.ResponseWriter, id, status string) {
	writeJSON(w, http.StatusOK, Detail{Detail: "ok", ID: id, Status: status})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
