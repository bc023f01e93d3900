package sandbox

import (
	"botbox/internal/capability"
)

// EntryOnMessage is the entry point called for chat messages.
const EntryOnMessage = "OnMessage"

// Request is one call into the cell.
//
// With neither Entry nor Job set the call is a compile-check: the script is
// loaded and validated but nothing is invoked.
type Request struct {
	Source string
	Bot    capability.Identity
	State  []byte // canonical state snapshot, empty for none
	Entry  string // function in package main to call with Args
	Args   []string
	Job    string            // periodic job to fire instead of Entry
	Cache  map[string]string // fetch cache, URL to body
}

// Kind tags a Result.
type Kind int

const (
	Success Kind = iota
	FetchNeeded
	Failure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case FetchNeeded:
		return "fetch_needed"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is what a call produced. Output and State are set on Success, URL
// on FetchNeeded and Err on Failure.
type Result struct {
	Kind   Kind
	Output *capability.Output
	State  []byte
	URL    string
	Err    error
}

func failed(err error) Result {
	return Result{Kind: Failure, Err: err}
}
