package models

// APIResponse is the uniform HTTP response envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func SuccessResponse(data any) APIResponse {
	return APIResponse{Success: true, Data: data}
}

func ErrorResponse(err string) APIResponse {
	return APIResponse{Success: false, Error: err}
}

func MessageResponse(message string) APIResponse {
	return APIResponse{Success: true, Message: message}
}
