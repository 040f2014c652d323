package middleware

import (
	"encoding/json"
	"net/http"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

func writeStatus(w http.ResponseWriter, status int, code models.StatusCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.NewResponse(code, message, nil))
}
