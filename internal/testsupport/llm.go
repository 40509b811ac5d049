package testsupport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
)

// FakeCompleter replays scripted replies and records every request.
// Respond, when set, takes precedence over the Replies queue.
type FakeCompleter struct {
	mu       sync.Mutex
	Replies  []string
	Errs     []error
	Respond  func(req llm.Request) (string, error)
	Usage    llm.Usage
	Requests []llm.Request
}

func (f *FakeCompleter) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)

	if f.Respond != nil {
		text, err := f.Respond(req)
		if err != nil {
			return llm.Completion{}, err
		}
		return llm.Completion{Text: text, Model: "fake-model", Usage: f.Usage}, nil
	}
	if len(f.Errs) > 0 {
		err := f.Errs[0]
		f.Errs = f.Errs[1:]
		if err != nil {
			return llm.Completion{}, err
		}
	}
	if len(f.Replies) == 0 {
		return llm.Completion{}, errors.New("fake completer: no scripted reply")
	}
	text := f.Replies[0]
	f.Replies = f.Replies[1:]
	return llm.Completion{Text: text, Model: "fake-model", Usage: f.Usage}, nil
}

// Calls returns how many requests were made.
func (f *FakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// PayloadOf re-decodes a request payload into out.
func PayloadOf(req llm.Request, out any) error {
	b, err := json.Marshal(req.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// MustJSON marshals v or panics; for building scripted replies.
func MustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
