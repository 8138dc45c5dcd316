package provider

import "context"

// Echo is a local text provider that returns the prompt as the result.
// Useful for wiring tests and for running the engine without a remote API.
type Echo struct{}

func (Echo) Generate(_ context.Context, req Request) (Result, error) {
	out := req.Payload
	if out == "" {
		out = "done"
	}
	return Result{Handle: "echo:" + req.JobID, Output: out}, nil
}
