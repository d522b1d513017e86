package utils

// Response is the envelope of every JSON reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func SuccessResponse(message string, data any) Response {
	return Response{Success: true, Message: message, Data: data}
}

// ErrorResponse carries a machine-readable code such as SlotUnavailable.
func ErrorResponse(message, code string) Response {
	return Response{Success: false, Message: message, Error: code}
}
