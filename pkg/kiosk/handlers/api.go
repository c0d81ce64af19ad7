package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/pkg/kiosk/apierror"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/mw"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/protocol"
)

const defaultMaxBodyBytes = 64 << 10

// API serves the REST form and session routes.
type API struct {
	Commands     Commands
	Logger       *zap.Logger
	MaxBodyBytes int64
}

func (a API) Routes(r chi.Router) {
	r.Get("/form", a.GetForm)
	r.Post("/form/fields/{fieldID}", a.UpdateField)
	r.Post("/form/fields/{fieldID}/confirm", a.ConfirmField)
	r.Post("/form/step", a.RequestStep)
	r.Post("/form/reset", a.ResetForm)

	r.Get("/transcript", a.GetTranscript)

	r.Get("/session", a.GetSession)
	r.Post("/session", a.Connect)
	r.Delete("/session", a.Disconnect)
	r.Post("/session/text", a.SendText)
}

func (a API) GetForm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Commands.Engine.Form())
}

func (a API) GetTranscript(w http.ResponseWriter, r *http.Request) {
	turns, err := a.Commands.Engine.Transcript(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (a API) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Commands.status())
}

func (a API) UpdateField(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.UpdateField
	if !a.decode(w, r, &cmd) {
		return
	}
	cmd.FieldID = chi.URLParam(r, "fieldID")
	if err := cmd.Normalize(); err != nil {
		a.fail(w, r, err)
		return
	}
	a.run(w, r, cmd, http.StatusOK)
}

func (a API) ConfirmField(w http.ResponseWriter, r *http.Request) {
	cmd := protocol.ConfirmField{FieldID: chi.URLParam(r, "fieldID")}
	if err := cmd.Normalize(); err != nil {
		a.fail(w, r, err)
		return
	}
	a.run(w, r, cmd, http.StatusOK)
}

func (a API) RequestStep(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.RequestStep
	if !a.decode(w, r, &cmd) {
		return
	}
	if err := cmd.Normalize(); err != nil {
		a.fail(w, r, err)
		return
	}
	a.run(w, r, cmd, http.StatusOK)
}

func (a API) ResetForm(w http.ResponseWriter, r *http.Request) {
	a.run(w, r, protocol.ResetForm{Type: protocol.TypeResetForm}, http.StatusOK)
}

func (a API) Connect(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.Connect
	if r.ContentLength != 0 && !a.decode(w, r, &cmd) {
		return
	}
	cmd.Type = protocol.TypeConnect
	a.run(w, r, cmd, http.StatusOK)
}

func (a API) Disconnect(w http.ResponseWriter, r *http.Request) {
	a.run(w, r, protocol.Disconnect{Type: protocol.TypeDisconnect}, http.StatusOK)
}

func (a API) SendText(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.SendText
	if !a.decode(w, r, &cmd) {
		return
	}
	if err := cmd.Normalize(); err != nil {
		a.fail(w, r, err)
		return
	}
	a.run(w, r, cmd, http.StatusAccepted)
}

func (a API) run(w http.ResponseWriter, r *http.Request, cmd any, status int) {
	out, err := a.Commands.Execute(r.Context(), cmd)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, status, out)
}

func (a API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	limit := a.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		a.fail(w, r, &protocol.DecodeError{Code: "bad_request", Message: "invalid json body"})
		return false
	}
	return true
}

func (a API) fail(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	body, status := apierror.FromError(err, reqID)
	if status >= http.StatusInternalServerError && a.Logger != nil {
		a.Logger.Warn("request failed", zap.String("request_id", reqID), zap.String("path", r.URL.Path), zap.Error(err))
	}
	apierror.Write(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
