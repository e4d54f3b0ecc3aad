package server

// TurnRequest is the POST /sessions/{id}/turns body.
type TurnRequest struct {
	Text  string       `json:"text"`
	Files []FileUpload `json:"files,omitempty"`
}

// FileUpload carries one uploaded file. Data is base64 in JSON.
type FileUpload struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
	MIME     string `json:"mime,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
