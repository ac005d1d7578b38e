package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docchat/internal/i18n"
	"github.com/kalambet/docchat/internal/model"
)

type mockBackend struct {
	mu          sync.Mutex
	created     []model.Session
	createErr   error
	history     map[uuid.UUID][]model.ChatMessage
	historyErr  error
	historyGate chan struct{}
	promptGate  chan struct{}
	promptErr   error
	prompts     []string
	historyHits int
}

func (m *mockBackend) CreateSession(context.Context) (model.Session, error) {
	if m.createErr != nil {
		return model.Session{}, m.createErr
	}
	s := model.Session{ID: uuid.New(), CreatedAt: time.Now()}
	m.mu.Lock()
	m.created = append(m.created, s)
	m.mu.Unlock()
	return s, nil
}

func (m *mockBackend) FetchHistory(_ context.Context, id uuid.UUID) ([]model.ChatMessage, error) {
	m.mu.Lock()
	m.historyHits++
	gate := m.historyGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history[id], nil
}

func (m *mockBackend) SendPrompt(_ context.Context, id uuid.UUID, modelUID, text string) (model.PromptResponse, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, modelUID+":"+text)
	gate := m.promptGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if m.promptErr != nil {
		return model.PromptResponse{}, m.promptErr
	}
	return model.PromptResponse{
		Response: "answer to " + text,
		Sources:  []model.Source{{KnowledgeID: uuid.New(), Content: "excerpt"}},
	}, nil
}

type registry struct {
	mu       sync.Mutex
	sessions []model.Session
}

func (r *registry) AppendSessionLocal(s *model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, *s)
}

var (
	ctx     = context.Background()
	llama   = &model.ChatModel{UID: "llama", Name: "Llama 3", Provider: "ollama"}
	fixedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newOrchestrator(be *mockBackend, reg *registry, states *[]State) *Orchestrator {
	deps := Deps{Backend: be, Now: func() time.Time { return fixedAt }}
	if reg != nil {
		deps.Sessions = reg
	}
	if states != nil {
		deps.OnState = func(s State) { *states = append(*states, s) }
	}
	return New(deps)
}

func TestSubmit_NoModelSelected(t *testing.T) {
	be := &mockBackend{}
	o := newOrchestrator(be, nil, nil)

	err := o.Submit(ctx, "hello")

	assert.ErrorIs(t, err, ErrNoModel)
	msgs := o.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageSystem, msgs[0].Type)
	assert.Equal(t, i18n.Default().T(i18n.NoModelSelected), msgs[0].Text)
	assert.Empty(t, be.prompts, "no network call without a model")
	assert.Empty(t, be.created)
}

func TestSubmit_CreatesSessionAndRegistersIt(t *testing.T) {
	be := &mockBackend{}
	reg := &registry{}
	o := newOrchestrator(be, reg, nil)
	o.SetModel(llama)

	require.NoError(t, o.Submit(ctx, "  what is in the report?  "))

	require.Len(t, be.created, 1)
	assert.Equal(t, be.created[0].ID, o.ActiveSession())
	assert.Equal(t, be.created, reg.sessions)
	assert.Equal(t, []string{"llama:what is in the report?"}, be.prompts)

	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageUser, msgs[0].Type)
	assert.Equal(t, "what is in the report?", msgs[0].Text)
	assert.Equal(t, model.MessageAI, msgs[1].Type)
	assert.Equal(t, "Llama 3", *msgs[1].ModelName)
	assert.Equal(t, "ollama", *msgs[1].ModelProvider)
	assert.Len(t, msgs[1].Sources, 1)
	assert.Equal(t, Idle, o.State())
}

func TestSubmit_EmptyTextIgnored(t *testing.T) {
	be := &mockBackend{}
	o := newOrchestrator(be, nil, nil)
	o.SetModel(llama)

	require.NoError(t, o.Submit(ctx, "   "))
	assert.Empty(t, o.Messages())
	assert.Empty(t, be.created)
}

func TestSubmit_FailureAddsOneSystemMessage(t *testing.T) {
	be := &mockBackend{promptErr: errors.New("502 bad gateway")}
	var states []State
	o := newOrchestrator(be, nil, &states)
	o.SetModel(llama)
	require.NoError(t, o.SwitchSession(ctx, uuid.New()))
	states = nil

	err := o.Submit(ctx, "hi")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	msgs := o.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageSystem, msgs[1].Type)
	assert.Equal(t, i18n.Default().T(i18n.RequestFailed), msgs[1].Text)
	assert.Equal(t, err, o.Err())
	assert.Equal(t, []State{AwaitingResponse, Errored, Idle}, states)
	assert.Len(t, be.prompts, 1, "no retry")
}

func TestSubmit_StaleResponseDiscarded(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	be := &mockBackend{promptGate: make(chan struct{})}
	o := newOrchestrator(be, nil, nil)
	o.SetModel(llama)
	require.NoError(t, o.SwitchSession(ctx, a))

	done := make(chan error)
	go func() { done <- o.Submit(ctx, "slow question") }()
	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.prompts) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, o.SwitchSession(ctx, b))
	close(be.promptGate)
	require.NoError(t, <-done)

	assert.Equal(t, b, o.ActiveSession())
	assert.Empty(t, o.Messages(), "the answer for session a never reaches session b")
}

func TestSubmit_SwitchBackToSameSessionStillDiscards(t *testing.T) {
	a := uuid.New()
	be := &mockBackend{promptGate: make(chan struct{})}
	o := newOrchestrator(be, nil, nil)
	o.SetModel(llama)
	require.NoError(t, o.SwitchSession(ctx, a))

	done := make(chan error)
	go func() { done <- o.Submit(ctx, "q") }()
	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.prompts) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, o.SwitchSession(ctx, uuid.Nil))
	require.NoError(t, o.SwitchSession(ctx, a))
	close(be.promptGate)
	require.NoError(t, <-done)

	assert.Empty(t, o.Messages())
}

func TestSwitchSession_LoadsHistoryOnce(t *testing.T) {
	id := uuid.New()
	be := &mockBackend{history: map[uuid.UUID][]model.ChatMessage{
		id: {
			{Type: model.MessageUser, Text: "earlier", Timestamp: fixedAt},
			{Type: model.MessageAI, Text: "reply", Timestamp: fixedAt},
		},
	}}
	o := newOrchestrator(be, nil, nil)
	o.SetModel(llama)

	require.NoError(t, o.SwitchSession(ctx, id))
	require.NoError(t, o.Submit(ctx, "follow up"))

	msgs := o.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "earlier", msgs[0].Text)
	assert.Equal(t, "follow up", msgs[2].Text)
	assert.Equal(t, 1, be.historyHits)
}

func TestSwitchSession_NilStartsFreshWithoutFetch(t *testing.T) {
	be := &mockBackend{}
	o := newOrchestrator(be, nil, nil)
	o.SetModel(nil)
	_ = o.Submit(ctx, "x")
	require.NotEmpty(t, o.Messages())

	require.NoError(t, o.SwitchSession(ctx, uuid.Nil))

	assert.Empty(t, o.Messages())
	assert.Equal(t, 0, be.historyHits)
	assert.Nil(t, o.Err())
}

func TestSwitchSession_StaleHistoryDropped(t *testing.T) {
	a := uuid.New()
	gate := make(chan struct{})
	be := &mockBackend{
		historyGate: gate,
		history: map[uuid.UUID][]model.ChatMessage{
			a: {{Type: model.MessageUser, Text: "from a"}},
		},
	}
	o := newOrchestrator(be, nil, nil)

	done := make(chan error)
	go func() { done <- o.SwitchSession(ctx, a) }()
	require.Eventually(t, func() bool { return o.State() == AwaitingHistory }, time.Second, time.Millisecond)

	require.NoError(t, o.SwitchSession(ctx, uuid.Nil))
	close(gate)
	require.NoError(t, <-done)

	assert.Empty(t, o.Messages())
	assert.Equal(t, uuid.Nil, o.ActiveSession())
	assert.Equal(t, Idle, o.State())
}

func TestSwitchSession_HistoryFailure(t *testing.T) {
	be := &mockBackend{historyErr: errors.New("timeout")}
	o := newOrchestrator(be, nil, nil)

	err := o.SwitchSession(ctx, uuid.New())

	require.Error(t, err)
	assert.Equal(t, err, o.Err())
	assert.Equal(t, Idle, o.State())
}
