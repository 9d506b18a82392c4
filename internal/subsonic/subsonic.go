// Package subsonic implements the Subsonic response envelope and its error
// catalog. Every response, successful or not, is wrapped in the envelope.
package subsonic

import (
	"net/http"

	"github.com/go-faster/jx"
)

// Status values of the envelope.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Server describes this server in every envelope.
type Server struct {
	// ProtocolVersion is the Subsonic API version ("version").
	ProtocolVersion string
	// Name is reported as "type".
	Name string
	// Version is reported as "serverVersion".
	Version      string
	OpenSubsonic bool
}

// DefaultServer is used when no Server is configured.
var DefaultServer = Server{
	ProtocolVersion: "1.16.1",
	Name:            "tonearm",
	Version:         "0.1.0",
	OpenSubsonic:    true,
}

// Payload writes additional top-level fields of a successful response.
type Payload interface {
	EncodeFields(e *jx.Encoder)
}

// PayloadFunc adapts a function to Payload.
type PayloadFunc func(e *jx.Encoder)

func (f PayloadFunc) EncodeFields(e *jx.Encoder) { f(e) }

// Encode renders the envelope. When err is not nil the status is failed and
// payload is ignored.
func (s Server) Encode(e *jx.Encoder, payload Payload, err *Error) {
	status := StatusOK
	if err != nil {
		status = StatusFailed
	}

	e.ObjStart()
	e.FieldStart("status")
	e.Str(status)
	e.FieldStart("version")
	e.Str(s.ProtocolVersion)
	e.FieldStart("type")
	e.Str(s.Name)
	e.FieldStart("serverVersion")
	e.Str(s.Version)
	e.FieldStart("openSubsonic")
	e.Bool(s.OpenSubsonic)
	switch {
	case err != nil:
		e.FieldStart("error")
		err.Encode(e)
	case payload != nil:
		payload.EncodeFields(e)
	}
	e.ObjEnd()
}

// WriteOK writes a successful envelope with an optional payload.
func (s Server) WriteOK(w http.ResponseWriter, payload Payload) {
	s.write(w, http.StatusOK, payload, nil)
}

// WriteError writes a failed envelope with the error's HTTP status.
func (s Server) WriteError(w http.ResponseWriter, err *Error) {
	s.write(w, err.HTTPStatus(), nil, err)
}

func (s Server) write(w http.ResponseWriter, status int, payload Payload, err *Error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	s.Encode(e, payload, err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status is already written; a failed write means the client left.
	_, _ = w.Write(e.Bytes())
}
