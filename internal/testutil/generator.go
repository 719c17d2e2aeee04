package testutil

import (
	"context"
	"sync"

	"github.com/nhle/reply-optimizer/internal/ai"
	"github.com/nhle/reply-optimizer/internal/model"
)

// ScriptedGenerator answers every request with a fixed reply, except for
// uids configured to fail.
type ScriptedGenerator struct {
	mu       sync.Mutex
	reply    string
	failures map[uint32]error
	calls    map[uint32]int
	requests []ai.Request
}

var _ ai.Generator = (*ScriptedGenerator)(nil)

// NewScriptedGenerator returns a generator replying with reply.
func NewScriptedGenerator(reply string) *ScriptedGenerator {
	return &ScriptedGenerator{
		reply:    reply,
		failures: make(map[uint32]error),
		calls:    make(map[uint32]int),
	}
}

// FailFor makes every generation for uid fail with err.
func (g *ScriptedGenerator) FailFor(uid uint32, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[uid] = err
}

func (g *ScriptedGenerator) Generate(ctx context.Context, req ai.Request) (*model.ReplyDraft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[req.Message.UID]++
	g.requests = append(g.requests, req)
	if err, ok := g.failures[req.Message.UID]; ok {
		return nil, err
	}
	return &model.ReplyDraft{Text: g.reply, Tokens: 12, Model: "scripted"}, nil
}

// Calls returns the total number of Generate calls.
func (g *ScriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

// CallsFor returns the number of Generate calls for uid.
func (g *ScriptedGenerator) CallsFor(uid uint32) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[uid]
}

// Requests returns every request received.
func (g *ScriptedGenerator) Requests() []ai.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ai.Request(nil), g.requests...)
}
