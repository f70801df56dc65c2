// Package httpapi holds the response helpers shared by the service handlers.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"coopledger/internal/billing"
)

const (
	HeaderActor     = "X-Actor"
	HeaderActorRole = "X-Actor-Role"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusOf maps an error kind onto an HTTP status.
func StatusOf(err error) int {
	switch billing.KindOf(err) {
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindInvalidState:
		return http.StatusUnprocessableEntity
	case billing.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes err with the status derived from its kind.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorStatus(w, StatusOf(err), err)
}

// WriteErrorStatus writes err with an explicit status.
func WriteErrorStatus(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorBody{Error: err.Error(), Kind: billing.KindOf(err)})
}

// ActorFrom reads the acting identity from the request headers.
func ActorFrom(r *http.Request) (billing.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderActor))
	if id == "" {
		return billing.Actor{}, fmt.Errorf("missing %s header", HeaderActor)
	}
	return billing.Actor{ID: id, Role: strings.TrimSpace(r.Header.Get(HeaderActorRole))}, nil
}

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// DecodeOptional is Decode for endpoints whose body may be omitted; an empty
// body leaves v untouched.
func DecodeOptional(r *http.Request, v any) error {
	if err := Decode(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
