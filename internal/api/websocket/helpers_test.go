package websocket

import (
	"sync"

	"github.com/slotboard/collab/pkg/wire"
)

// capturingPublisher records every broadcast for assertions
type capturingPublisher struct {
	mu        sync.Mutex
	envelopes []*wire.Envelope
	sessions  []string
}

func (p *capturingPublisher) Publish(sessionID string, env *wire.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	p.sessions = append(p.sessions, sessionID)
}

func (p *capturingPublisher) byType(msgType string) []*wire.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*wire.Envelope
	for _, env := range p.envelopes {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (p *capturingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = nil
	p.sessions = nil
}
