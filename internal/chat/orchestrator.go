// Package chat drives one conversation: it loads a session's history, sends
// prompts and keeps the messages the user sees in order.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docchat/internal/i18n"
	"github.com/kalambet/docchat/internal/model"
	"github.com/kalambet/docchat/internal/notify"
)

type State int

const (
	Idle State = iota
	AwaitingHistory
	AwaitingResponse
	Errored
)

func (s State) String() string {
	switch s {
	case AwaitingHistory:
		return "awaiting-history"
	case AwaitingResponse:
		return "awaiting-response"
	case Errored:
		return "errored"
	default:
		return "idle"
	}
}

var (
	ErrNoModel = errors.New("no chat model selected")
	ErrBusy    = errors.New("a prompt is already in flight")
)

// Backend is the subset of the REST client the orchestrator uses.
type Backend interface {
	CreateSession(ctx context.Context) (model.Session, error)
	FetchHistory(ctx context.Context, sessionID uuid.UUID) ([]model.ChatMessage, error)
	SendPrompt(ctx context.Context, sessionID uuid.UUID, modelUID, text string) (model.PromptResponse, error)
}

// SessionRegistry learns about sessions created by the orchestrator.
type SessionRegistry interface {
	AppendSessionLocal(s *model.Session)
}

type Deps struct {
	Backend   Backend
	Sessions  SessionRegistry // optional
	Notifier  notify.Notifier
	Localizer *i18n.Localizer
	// OnState observes every state transition, including the transient
	// Errored state. It runs with the orchestrator locked and must not call
	// back into it.
	OnState func(State)
	Now     func() time.Time
}

// Orchestrator owns the active session and its messages. History and live
// messages are kept apart; Messages returns history followed by live.
//
// A response is applied only if the session it was requested for is still
// active. Every SwitchSession bumps a generation counter so a user who
// switches away and back to the same session does not receive the old
// request's answer either.
type Orchestrator struct {
	backend  Backend
	sessions SessionRegistry
	notifier notify.Notifier
	loc      *i18n.Localizer
	onState  func(State)
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	active  uuid.UUID
	gen     uint64
	history []model.ChatMessage
	live    []model.ChatMessage
	model   *model.ChatModel
	state   State
	err     error
}

func New(deps Deps) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		backend:  deps.Backend,
		sessions: deps.Sessions,
		notifier: deps.Notifier,
		loc:      deps.Localizer,
		onState:  deps.OnState,
		now:      now,
		logger:   slog.Default(),
	}
}

// SetModel selects the model prompts are sent to. Nil clears the selection.
func (o *Orchestrator) SetModel(m *model.ChatModel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m == nil {
		o.model = nil
		return
	}
	c := *m
	o.model = &c
}

func (o *Orchestrator) Model() *model.ChatModel {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.model == nil {
		return nil
	}
	c := *o.model
	return &c
}

func (o *Orchestrator) ActiveSession() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the last failure, cleared by SwitchSession and by a
// successful prompt.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Messages returns history followed by live messages.
func (o *Orchestrator) Messages() []model.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.ChatMessage, 0, len(o.history)+len(o.live))
	out = append(out, o.history...)
	return append(out, o.live...)
}

// SwitchSession makes id the active session. uuid.Nil starts a new chat
// without contacting the backend; any other id loads its history.
func (o *Orchestrator) SwitchSession(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.active = id
	o.history = nil
	o.live = nil
	o.err = nil
	if id == uuid.Nil {
		o.setStateLocked(Idle)
		o.mu.Unlock()
		return nil
	}
	o.setStateLocked(AwaitingHistory)
	o.mu.Unlock()

	msgs, err := o.backend.FetchHistory(ctx, id)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		o.logger.Debug("dropping stale history", "session_id", id)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("loading history of %s: %w", id, err)
		o.logger.Warn("fetching history failed", "session_id", id, "error", err)
		o.failLocked(err)
		notify.Error(o.notifier, o.loc.T(i18n.HistoryFailed))
		return err
	}
	o.history = msgs
	o.setStateLocked(Idle)
	return nil
}

// Submit sends text to the selected model in the active session, creating a
// session first when none is active. The user's message is shown at once;
// the answer, or a system message describing the failure, follows it.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	o.mu.Lock()
	if o.state == AwaitingResponse || o.state == AwaitingHistory {
		o.mu.Unlock()
		return ErrBusy
	}
	if o.model == nil {
		o.live = append(o.live, o.systemMessage(o.loc.T(i18n.NoModelSelected)))
		o.mu.Unlock()
		return ErrNoModel
	}
	chosen := *o.model
	gen := o.gen
	sessionID := o.active
	o.live = append(o.live, model.ChatMessage{Type: model.MessageUser, Text: text, Timestamp: o.now()})
	o.err = nil
	o.setStateLocked(AwaitingResponse)
	o.mu.Unlock()

	if sessionID == uuid.Nil {
		s, err := o.backend.CreateSession(ctx)
		if err != nil {
			return o.requestFailed(gen, fmt.Errorf("creating session: %w", err))
		}
		if s.ID == uuid.Nil {
			return o.requestFailed(gen, errors.New("creating session: server returned no id"))
		}
		o.mu.Lock()
		if gen != o.gen {
			o.mu.Unlock()
			// The user moved on; the session still exists remotely.
			if o.sessions != nil {
				o.sessions.AppendSessionLocal(&s)
			}
			return nil
		}
		o.active = s.ID
		o.mu.Unlock()
		if o.sessions != nil {
			o.sessions.AppendSessionLocal(&s)
		}
		sessionID = s.ID
	}

	resp, err := o.backend.SendPrompt(ctx, sessionID, chosen.UID, text)
	if err != nil {
		return o.requestFailed(gen, fmt.Errorf("sending prompt to %s: %w", sessionID, err))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || sessionID != o.active {
		o.logger.Debug("dropping stale response", "session_id", sessionID)
		return nil
	}
	o.live = append(o.live, model.ChatMessage{
		Type:          model.MessageAI,
		Text:          resp.Response,
		Timestamp:     o.now(),
		ModelProvider: model.Ptr(chosen.Provider),
		ModelName:     model.Ptr(chosen.Name),
		Sources:       resp.Sources,
	})
	o.setStateLocked(Idle)
	return nil
}

func (o *Orchestrator) requestFailed(gen uint64, err error) error {
	o.logger.Warn("prompt failed", "error", err)
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return nil
	}
	o.live = append(o.live, o.systemMessage(o.loc.T(i18n.RequestFailed)))
	o.failLocked(err)
	return err
}

func (o *Orchestrator) failLocked(err error) {
	o.err = err
	o.setStateLocked(Errored)
	o.setStateLocked(Idle)
}

func (o *Orchestrator) systemMessage(text string) model.ChatMessage {
	return model.ChatMessage{Type: model.MessageSystem, Text: text, Timestamp: o.now()}
}

func (o *Orchestrator) setStateLocked(s State) {
	o.state = s
	if o.onState != nil {
		o.onState(s)
	}
}
