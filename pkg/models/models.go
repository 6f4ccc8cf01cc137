package models

// ErrorResponse is the standard error body returned by the API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse is returned by endpoints that have no richer payload.
type StatusResponse struct {
	Status string `json:"status"`
}
