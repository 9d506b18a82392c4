package subsonic

import (
	"net/http"

	"github.com/go-faster/jx"
)

// Code is a Subsonic error code. Values are part of the wire protocol.
type Code int

const (
	CodeGeneric                        Code = 0
	CodeParamMissing                   Code = 10
	CodeUnauthorized                   Code = 40
	CodeUnsupportedTokenAuthentication Code = 41
	CodeUnsupportedAuthentication      Code = 42
	CodeInvalidAPIKey                  Code = 44
)

// Error is the "error" object of a failed envelope.
type Error struct {
	Code    Code
	Message string
	HelpURL string

	// status overrides the HTTP status derived from Code.
	status int
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus returns the HTTP status the error is served with.
func (e *Error) HTTPStatus() int {
	if e.status != 0 {
		return e.status
	}
	switch e.Code {
	case CodeParamMissing, CodeUnauthorized, CodeInvalidAPIKey:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// WithStatus returns a copy of e served with the given HTTP status.
func (e *Error) WithStatus(status int) *Error {
	out := *e
	out.status = status
	return &out
}

// WithMessage returns a copy of e with a different message.
func (e *Error) WithMessage(msg string) *Error {
	out := *e
	out.Message = msg
	return &out
}

// Encode writes the error object.
func (e *Error) Encode(enc *jx.Encoder) {
	enc.ObjStart()
	enc.FieldStart("code")
	enc.Int(int(e.Code))
	enc.FieldStart("message")
	enc.Str(e.Message)
	enc.FieldStart("helpUrl")
	if e.HelpURL == "" {
		enc.Null()
	} else {
		enc.Str(e.HelpURL)
	}
	enc.ObjEnd()
}

// Generic returns a code 0 error served as 400.
func Generic(msg string) *Error {
	return &Error{Code: CodeGeneric, Message: msg}
}

// Internal returns a code 0 error served as 500. The message is fixed so
// server-side details never reach the client.
func Internal() *Error {
	return &Error{Code: CodeGeneric, Message: "Internal server error.", status: http.StatusInternalServerError}
}

func ParamMissing(msg string) *Error {
	if msg == "" {
		msg = "Required parameter is missing."
	}
	return &Error{Code: CodeParamMissing, Message: msg}
}

func Unauthorized() *Error {
	return &Error{Code: CodeUnauthorized, Message: "Wrong username or password."}
}

func UnsupportedTokenAuthentication() *Error {
	return &Error{
		Code:    CodeUnsupportedTokenAuthentication,
		Message: "Token authentication not supported. Only 'apiKey' is supported.",
	}
}

func UnsupportedAuthentication() *Error {
	return &Error{
		Code:    CodeUnsupportedAuthentication,
		Message: "Provided authentication mechanism not supported. Only 'apiKey' is supported.",
	}
}

func InvalidAPIKey() *Error {
	return &Error{Code: CodeInvalidAPIKey, Message: "Invalid API key."}
}
