package llm

import (
	"context"
	"sync"
)

// Fake is an in-memory Client for tests. Responses are returned in order;
// when the script runs out the last entry repeats.
type Fake struct {
	Name string

	mu        sync.Mutex
	responses []FakeResponse
	calls     []Request
}

// FakeResponse is one scripted outcome.
type FakeResponse struct {
	Text string
	Err  error
}

// NewFake creates a fake provider with the given script.
func NewFake(name string, responses ...FakeResponse) *Fake {
	return &Fake{Name: name, responses: responses}
}

func (f *Fake) Provider() string {
	if f.Name == "" {
		return "fake"
	}
	return f.Name
}

func (f *Fake) Complete(_ context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	if len(f.responses) == 0 {
		return &Response{Text: "{}", Model: req.Model}, nil
	}
	idx := len(f.calls) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	if r.Err != nil {
		return nil, r.Err
	}
	return &Response{Text: r.Text, Model: req.Model}, nil
}

// Calls returns a copy of every request received.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}
