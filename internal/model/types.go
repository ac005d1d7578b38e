package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEnum is returned when the backend sends an enum value the client
// does not know.
var ErrInvalidEnum = errors.New("invalid enum value")

// Session is one persisted conversation thread.
type Session struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Label     *string   `json:"label,omitempty"`
}

// DisplayLabel returns the label or a fallback derived from the id.
func (s Session) DisplayLabel() string {
	if s.Label != nil && *s.Label != "" {
		return *s.Label
	}
	return s.ID.String()[:8]
}

type KnowledgeType string

const (
	KnowledgeFile    KnowledgeType = "FILE"
	KnowledgeWebLink KnowledgeType = "WEBLINK"
)

func (t *KnowledgeType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(t), "knowledge type", string(KnowledgeFile), string(KnowledgeWebLink))
}

type IngestionStatus string

const (
	IngestionPending   IngestionStatus = "PENDING"
	IngestionSucceeded IngestionStatus = "SUCCEEDED"
	IngestionFailed    IngestionStatus = "FAILED"
)

func (s *IngestionStatus) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(s), "ingestion status",
		string(IngestionPending), string(IngestionSucceeded), string(IngestionFailed))
}

// Terminal reports whether ingestion has finished, successfully or not.
func (s IngestionStatus) Terminal() bool {
	return s == IngestionSucceeded || s == IngestionFailed
}

type Permission string

const (
	PermissionOwner     Permission = "OWNER"
	PermissionReadWrite Permission = "READWRITE"
	PermissionReadOnly  Permission = "READONLY"
	PermissionNone      Permission = "NONE"
)

func (p *Permission) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(p), "permission",
		string(PermissionOwner), string(PermissionReadWrite), string(PermissionReadOnly), string(PermissionNone))
}

// ParsePermission validates a user-supplied permission name.
func ParsePermission(s string) (Permission, error) {
	var p Permission
	if err := p.UnmarshalJSON([]byte(`"` + s + `"`)); err != nil {
		return "", err
	}
	return p, nil
}

func (p Permission) rank() int {
	switch p {
	case PermissionOwner:
		return 0
	case PermissionReadWrite:
		return 1
	case PermissionReadOnly:
		return 2
	default:
		return 3
	}
}

// Knowledge is a unit of ingested source content.
type Knowledge struct {
	ID              uuid.UUID             `json:"id"`
	Type            KnowledgeType         `json:"type"`
	Checksum        *string               `json:"checksum,omitempty"`
	IngestionStatus IngestionStatus       `json:"ingestionStatus"`
	CreatedAt       time.Time             `json:"createdAt"`
	LastUpdatedAt   *time.Time            `json:"lastUpdatedAt,omitempty"`
	Source          *string               `json:"source,omitempty"`
	ContentType     *string               `json:"contentType,omitempty"`
	Permissions     map[string]Permission `json:"permissions,omitempty"`
	Label           *string               `json:"label,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
}

// DisplayLabel returns the label, then the source, then the id.
func (k Knowledge) DisplayLabel() string {
	if k.Label != nil && *k.Label != "" {
		return *k.Label
	}
	if k.Source != nil && *k.Source != "" {
		return *k.Source
	}
	return k.ID.String()
}

// PermissionEntry is one row of a knowledge item's sharing list.
type PermissionEntry struct {
	Username   string
	Permission Permission
}

// SortedPermissions returns the permission map with OWNER entries first,
// then by decreasing access, then by username.
func (k Knowledge) SortedPermissions() []PermissionEntry {
	out := make([]PermissionEntry, 0, len(k.Permissions))
	for u, p := range k.Permissions {
		out = append(out, PermissionEntry{Username: u, Permission: p})
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Permission.rank(), out[j].Permission.rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Username < out[j].Username
	})
	return out
}

type MessageType string

const (
	MessageSystem              MessageType = "SYSTEM"
	MessageUser                MessageType = "USER"
	MessageAI                  MessageType = "AI"
	MessageToolExecutionResult MessageType = "TOOL_EXECUTION_RESULT"
	MessageCustom              MessageType = "CUSTOM"
)

func (t *MessageType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, (*string)(t), "message type",
		string(MessageSystem), string(MessageUser), string(MessageAI),
		string(MessageToolExecutionResult), string(MessageCustom))
}

// Source points from an assistant reply back into a knowledge item.
type Source struct {
	KnowledgeID uuid.UUID `json:"knowledgeId"`
	Content     string    `json:"content"`
}

type ChatMessage struct {
	Type          MessageType `json:"type"`
	Text          string      `json:"text"`
	Timestamp     time.Time   `json:"timestamp"`
	ModelProvider *string     `json:"modelProvider,omitempty"`
	ModelName     *string     `json:"modelName,omitempty"`
	Sources       []Source    `json:"sources,omitempty"`
}

// PromptResponse is the assistant's answer to one prompt.
type PromptResponse struct {
	Response string   `json:"response"`
	Sources  []Source `json:"sources"`
}

// ChatModel is a selectable model the backend can answer with.
type ChatModel struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// User is the authenticated identity.
type User struct {
	Username string  `json:"username"`
	Email    *string `json:"email,omitempty"`
	Name     *string `json:"name,omitempty"`
}

// AuthConfig is what the backend advertises for login.
type AuthConfig struct {
	Issuer           string   `json:"issuer"`
	ClientID         string   `json:"clientId"`
	Scopes           []string `json:"scopes,omitempty"`
	AnonymousAllowed bool     `json:"anonymousAllowed"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func unmarshalEnum(b []byte, dst *string, what string, allowed ...string) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	for _, a := range allowed {
		if s == a {
			*dst = s
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q", ErrInvalidEnum, what, s)
}
