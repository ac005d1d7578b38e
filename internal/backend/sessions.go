package backend

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/kalambet/docchat/internal/model"
)

// FetchSessions lists the current user's chat sessions.
func (c *Client) FetchSessions(ctx context.Context) ([]model.Session, error) {
	resp, err := c.get(ctx, "/sessions")
	if err != nil {
		return nil, err
	}
	var sessions []model.Session
	if err := decodeJSON(resp, &sessions); err != nil {
		return nil, fmt.Errorf("fetching sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession starts a new, empty session.
func (c *Client) CreateSession(ctx context.Context) (model.Session, error) {
	resp, err := c.post(ctx, "/sessions", nil)
	if err != nil {
		return model.Session{}, err
	}
	var s model.Session
	if err := decodeJSON(resp, &s); err != nil {
		return model.Session{}, fmt.Errorf("creating session: %w", err)
	}
	if s.ID == uuid.Nil {
		return model.Session{}, fmt.Errorf("creating session: %w", ErrMissingBody)
	}
	return s, nil
}

// DeleteSession removes a session and its history.
func (c *Client) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if err := expectOK(c.delete(ctx, "/sessions/"+id.String())); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// SetSessionLabel renames a session.
func (c *Client) SetSessionLabel(ctx context.Context, id uuid.UUID, label string) error {
	body := map[string]string{"label": label}
	if err := expectOK(c.put(ctx, "/sessions/"+id.String()+"/label", body)); err != nil {
		return fmt.Errorf("renaming session %s: %w", id, err)
	}
	return nil
}

// FetchHistory returns the stored messages of a session, oldest first.
func (c *Client) FetchHistory(ctx context.Context, sessionID uuid.UUID) ([]model.ChatMessage, error) {
	resp, err := c.get(ctx, "/sessions/"+sessionID.String()+"/history")
	if err != nil {
		return nil, err
	}
	var msgs []model.ChatMessage
	if err := decodeJSON(resp, &msgs); err != nil {
		return nil, fmt.Errorf("fetching history of %s: %w", sessionID, err)
	}
	return msgs, nil
}

// SendPrompt asks the assistant within a session using the given model.
func (c *Client) SendPrompt(ctx context.Context, sessionID uuid.UUID, modelUID, text string) (model.PromptResponse, error) {
	body := map[string]string{
		"modelUid": modelUID,
		"prompt":   text,
	}
	resp, err := c.post(ctx, "/sessions/"+sessionID.String()+"/prompt", body)
	if err != nil {
		return model.PromptResponse{}, err
	}
	var pr model.PromptResponse
	if err := decodeJSON(resp, &pr); err != nil {
		return model.PromptResponse{}, fmt.Errorf("sending prompt: %w", err)
	}
	return pr, nil
}

// FetchChatModels lists the models a prompt can be answered with.
func (c *Client) FetchChatModels(ctx context.Context) ([]model.ChatModel, error) {
	resp, err := c.get(ctx, "/chat-models")
	if err != nil {
		return nil, err
	}
	var models []model.ChatModel
	if err := decodeJSON(resp, &models); err != nil {
		return nil, fmt.Errorf("fetching chat models: %w", err)
	}
	return models, nil
}

// FetchCurrentUser returns the authenticated user. An anonymous client gets
// a 401 *HTTPError.
func (c *Client) FetchCurrentUser(ctx context.Context) (model.User, error) {
	resp, err := c.get(ctx, "/user/me")
	if err != nil {
		return model.User{}, err
	}
	var u model.User
	if err := decodeJSON(resp, &u); err != nil {
		return model.User{}, fmt.Errorf("fetching current user: %w", err)
	}
	return u, nil
}

// FetchAuthConfig returns the login settings the server advertises. The
// endpoint is public.
func (c *Client) FetchAuthConfig(ctx context.Context) (model.AuthConfig, error) {
	resp, err := c.get(ctx, "/auth/config")
	if err != nil {
		return model.AuthConfig{}, err
	}
	var ac model.AuthConfig
	if err := decodeJSON(resp, &ac); err != nil {
		return model.AuthConfig{}, fmt.Errorf("fetching auth config: %w", err)
	}
	return ac, nil
}

func escape(s string) string { return url.PathEscape(s) }
