package server

import (
	"encoding/json"
	"errors"
	"strings"

	"botbox/internal/capability"
)

// Request is one control request. Type selects the operation; the other
// fields are used by the operations that need them.
type Request struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	User    string `json:"user,omitempty"`
	Code    string `json:"code,omitempty"`
	Func    string `json:"func,omitempty"`
	Job     string `json:"job,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Response is the wire envelope. Exactly one of Data and Error is set.
type Response struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Message    string      `json:"message"`
	Stacktrace string      `json:"stacktrace"`
	RemovedBot *RemovedBot `json:"removedbot,omitempty"`
}

// RemovedBot is attached to an error when the failing bot was removed. The
// output carries the notices for its owner.
type RemovedBot struct {
	Name   string             `json:"name"`
	Output *capability.Output `json:"output"`
}

// BotData is the botdata response.
type BotData struct {
	Name       string  `json:"name"`
	User       string  `json:"user"`
	Code       string  `json:"code"`
	Digest     string  `json:"digest"`
	CreatedOn  float64 `json:"createdon"`  // unix seconds
	LastUpdate float64 `json:"lastupdate"` // unix seconds
	LastSaid   string  `json:"lastsaid"`
}

// stacktrace renders the error chain, outermost first, one error per line.
func stacktrace(err error) string {
	var lines []string
	queue := []error{err}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		if e == nil {
			continue
		}
		lines = append(lines, e.Error())
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			queue = append(queue, u.Unwrap()...)
		default:
			queue = append(queue, errors.Unwrap(e))
		}
	}
	return strings.Join(lines, "\n")
}
