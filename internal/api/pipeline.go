package api

import "context"

// Decision is what a response stage wants the dispatcher to do next.
type Decision int

const (
	// Continue hands the response to the next stage.
	Continue Decision = iota
	// Retry replays the request if its budget allows.
	Retry
	// Stop returns the response without running later stages.
	Stop
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Retry:
		return "retry"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// RequestStage transforms a request before each attempt. An error aborts
// the call.
type RequestStage func(ctx context.Context, req *Request) error

// ResponseStage inspects a response. Returning an error aborts the call with
// that error.
type ResponseStage func(ctx context.Context, req *Request, resp *Response) (Decision, error)
