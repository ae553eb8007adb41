// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to inject inbound events and inspect the audio that was sent.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, cfg)
//	p.Last().Emit(live.Event{Kind: live.EventOpen})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/jarvis/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// BeforeConnect, if set, runs at the start of Connect without the mock's
	// lock held. A non-nil return is used as Connect's error. Tests use it to
	// hold a connection attempt open.
	BeforeConnect func(ctx context.Context) error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Name implements live.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect records the call and returns a fresh [Session] or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	hook := p.BeforeConnect
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Calls returns the number of Connect calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Sessions returns every session handed out, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Last returns the most recent session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// CallCountClose is the number of times Close was called.
	CallCountClose int

	sent     []live.Media
	events   chan live.Event
	ended    bool
	block    bool
	blocked  int
	released chan struct{}
}

// NewSession returns a session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 256), released: make(chan struct{})}
}

// Events implements live.Session.
func (s *Session) Events() <-chan live.Event { return s.events }

// SendAudio records m and returns SendErr. After Close it returns
// live.ErrSessionClosed. With [Session.BlockSends] set it waits for the
// session to end instead, like a write stuck on a stalled connection.
func (s *Session) SendAudio(m live.Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return live.ErrSessionClosed
	}
	if s.block {
		s.blocked++
		released := s.released
		s.mu.Unlock()
		<-released
		s.mu.Lock()
		s.blocked--
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, m)
	return nil
}

// Close ends the event stream. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.endLocked()
	return nil
}

// Emit injects an inbound event. It returns false if the stream has ended.
// EventClose and EventError end the stream after delivery, as a real
// session does.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	if ev.Kind == live.EventClose || ev.Kind == live.EventError {
		s.endLocked()
	}
	return true
}

// Sent returns every chunk passed to SendAudio.
func (s *Session) Sent() []live.Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.Media(nil), s.sent...)
}

// BlockSends makes every later SendAudio call hang until the session ends.
func (s *Session) BlockSends() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = true
}

// Blocked returns the number of SendAudio calls currently hanging.
func (s *Session) Blocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// Closes returns CallCountClose under the lock.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

func (s *Session) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.events)
		close(s.released)
	}
}
