package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// The Core's error taxonomy is closed: every failure surfaced to callers is
// one of these kinds so handlers can pattern-match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrBadRequest        = errors.New("bad request")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrClosed            = errors.New("closed")
	ErrInternal          = errors.New("internal error")
)

// errorTypeName maps an error kind to the "type" field of the JSON error
// shape the render process receives.
func errorTypeName(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, ErrBadRequest):
		return "BadRequestError"
	case errors.Is(err, ErrProtocolViolation):
		return "ProtocolError"
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrCancelled):
		return "AbortError"
	case errors.Is(err, ErrClosed):
		return "InvalidStateError"
	default:
		return "InternalError"
	}
}

// errorValueJSON serializes err as the bare {"message":…,"type":…} object.
func errorValueJSON(err error) string {
	doc := map[string]any{
		"message": err.Error(),
		"type":    errorTypeName(err),
	}
	data, jerr := json.Marshal(doc)
	if jerr != nil {
		return `{"message":"unserializable error","type":"InternalError"}`
	}
	return string(data)
}

// errorJSON serializes err as the {"err":{"message":…,"type":…}} document
// used for every user-facing failure.
func errorJSON(err error) string {
	return `{"err":` + errorValueJSON(err) + `}`
}

// wrapInternal tags an unexpected failure with ErrInternal while preserving
// the cause for errors.Is / errors.Unwrap.
func wrapInternal(context string, err error) error {
	return fmt.Errorf("%s: %w: %w", context, ErrInternal, err)
}
