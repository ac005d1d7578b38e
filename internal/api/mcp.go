package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docchat/internal/chat"
	"github.com/kalambet/docchat/internal/model"
	"github.com/kalambet/docchat/internal/pdfview"
)

// KnowledgeSource is the knowledge list provider as the MCP layer sees it.
type KnowledgeSource interface {
	Load(ctx context.Context)
	AllKnowledge() []model.Knowledge
	Err() error
}

// SessionSource is the session list provider as the MCP layer sees it.
type SessionSource interface {
	Load(ctx context.Context)
	Sessions() []model.Session
	Err() error
}

// ModelLister lists the chat models the server offers.
type ModelLister interface {
	FetchChatModels(ctx context.Context) ([]model.ChatModel, error)
}

// Conversation is one chat orchestrator.
type Conversation interface {
	SwitchSession(ctx context.Context, id uuid.UUID) error
	SetModel(m *model.ChatModel)
	Submit(ctx context.Context, text string) error
	Messages() []model.ChatMessage
	ActiveSession() uuid.UUID
}

// Document is a headless PDF viewer.
type Document interface {
	Open(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, query string) error
	Results() []pdfview.SearchResult
	PageTexts(ctx context.Context) ([]string, error)
	FileInfo() pdfview.FileInfo
	Close()
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Knowledge KnowledgeSource
	Sessions  SessionSource
	Models    ModelLister
	// NewConversation returns a fresh orchestrator for one ask call.
	NewConversation func() Conversation
	// NewDocument returns a fresh viewer for one document call.
	NewDocument func() Document
	// DefaultModel is the uid or name used when ask names no model.
	DefaultModel string
}

const (
	maxSearchResults = 50
	snippetRadius    = 80
)

// NewMCPServer creates an MCP server with all docchat tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"docchat",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docchat: ask questions about the documents uploaded to a docchat server and search inside them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_knowledge",
			mcp.WithDescription("List uploaded documents with their ingestion status and tags."),
			mcp.WithString("status", mcp.Description("Only return items in this ingestion status (PENDING, SUCCEEDED, FAILED)")),
			mcp.WithString("tag", mcp.Description("Only return items carrying this tag")),
		),
		mcpListKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List chat sessions, newest first."),
		),
		mcpListSessions(deps),
	)

	s.AddTool(
		mcp.NewTool("session_history",
			mcp.WithDescription("Return the messages of a chat session."),
			mcp.WithString("session_id", mcp.Description("Session UUID"), mcp.Required()),
		),
		mcpSessionHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the assistant a question grounded in the uploaded documents. Returns the answer and its sources."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Continue this session instead of starting a new one")),
			mcp.WithString("model", mcp.Description("Model uid or name")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_document",
			mcp.WithDescription("Search the text of an uploaded PDF. Returns page numbers and snippets."),
			mcp.WithString("knowledge_id", mcp.Description("Knowledge UUID of the PDF"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Words to look for, in any order within a line"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("read_page",
			mcp.WithDescription("Return the plain text of one page of an uploaded PDF."),
			mcp.WithString("knowledge_id", mcp.Description("Knowledge UUID of the PDF"), mcp.Required()),
			mcp.WithNumber("page", mcp.Description("1-based page number"), mcp.Required()),
		),
		mcpReadPage(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docchat://knowledge",
			"Knowledge",
			mcp.WithResourceDescription("All uploaded documents as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceKnowledge(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docchat://models",
			"Chat Models",
			mcp.WithResourceDescription("Models available for ask"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceModels(deps),
	)

	return s
}

type knowledgeResult struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Type        string   `json:"type"`
	Status      string   `json:"status"`
	ContentType string   `json:"content_type,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

func toKnowledgeResult(k model.Knowledge) knowledgeResult {
	r := knowledgeResult{
		ID:     k.ID.String(),
		Label:  k.DisplayLabel(),
		Type:   string(k.Type),
		Status: string(k.IngestionStatus),
		Tags:   k.Tags,
	}
	if k.ContentType != nil {
		r.ContentType = *k.ContentType
	}
	if k.LastUpdatedAt != nil {
		r.UpdatedAt = k.LastUpdatedAt.Format(time.RFC3339)
	}
	return r
}

func loadKnowledge(ctx context.Context, deps MCPDeps) ([]model.Knowledge, error) {
	deps.Knowledge.Load(ctx)
	items := deps.Knowledge.AllKnowledge()
	if err := deps.Knowledge.Err(); err != nil && len(items) == 0 {
		return nil, err
	}
	return items, nil
}

func mcpListKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		items, err := loadKnowledge(ctx, deps)
		if err != nil {
			return mcpError(fmt.Sprintf("listing knowledge failed: %v", err)), nil
		}

		status := strings.ToUpper(req.GetString("status", ""))
		tag := req.GetString("tag", "")

		results := make([]knowledgeResult, 0, len(items))
		for _, k := range items {
			if status != "" && string(k.IngestionStatus) != status {
				continue
			}
			if tag != "" && !hasTag(k.Tags, tag) {
				continue
			}
			results = append(results, toKnowledgeResult(k))
		}
		return mcpJSON(results)
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deps.Sessions.Load(ctx)
		list := deps.Sessions.Sessions()
		if err := deps.Sessions.Err(); err != nil && len(list) == 0 {
			return mcpError(fmt.Sprintf("listing sessions failed: %v", err)), nil
		}

		type sessionResult struct {
			ID        string `json:"id"`
			Label     string `json:"label"`
			CreatedAt string `json:"created_at"`
		}
		results := make([]sessionResult, len(list))
		for i, s := range list {
			results[i] = sessionResult{
				ID:        s.ID.String(),
				Label:     s.DisplayLabel(),
				CreatedAt: s.CreatedAt.Format(time.RFC3339),
			}
		}
		return mcpJSON(results)
	}
}

type sourceResult struct {
	KnowledgeID string `json:"knowledge_id"`
	Content     string `json:"content"`
}

type messageResult struct {
	Type    string         `json:"type"`
	Text    string         `json:"text"`
	Model   string         `json:"model,omitempty"`
	Sources []sourceResult `json:"sources,omitempty"`
}

func toMessageResults(msgs []model.ChatMessage) []messageResult {
	out := make([]messageResult, len(msgs))
	for i, m := range msgs {
		r := messageResult{Type: string(m.Type), Text: m.Text}
		if m.ModelName != nil {
			r.Model = *m.ModelName
		}
		for _, s := range m.Sources {
			r.Sources = append(r.Sources, sourceResult{KnowledgeID: s.KnowledgeID.String(), Content: s.Content})
		}
		out[i] = r
	}
	return out
}

func mcpSessionHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errResult := requireUUID(req, "session_id")
		if errResult != nil {
			return errResult, nil
		}

		conv := deps.NewConversation()
		if err := conv.SwitchSession(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("loading history failed: %v", err)), nil
		}
		return mcpJSON(toMessageResults(conv.Messages()))
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil || strings.TrimSpace(question) == "" {
			return mcpError("question is required"), nil
		}

		conv := deps.NewConversation()
		if raw := req.GetString("session_id", ""); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid session_id: %v", err)), nil
			}
			if err := conv.SwitchSession(ctx, id); err != nil {
				return mcpError(fmt.Sprintf("loading session failed: %v", err)), nil
			}
		}

		want := req.GetString("model", deps.DefaultModel)
		if want != "" {
			m, err := resolveModel(ctx, deps.Models, want)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			conv.SetModel(m)
		}

		before := len(conv.Messages())
		submitErr := conv.Submit(ctx, question)
		added := conv.Messages()[before:]

		if submitErr != nil {
			// the orchestrator explains the failure in a system message
			for _, m := range added {
				if m.Type == model.MessageSystem {
					return mcpError(m.Text), nil
				}
			}
			return mcpError(fmt.Sprintf("ask failed: %v", submitErr)), nil
		}

		type askResult struct {
			SessionID string          `json:"session_id"`
			Messages  []messageResult `json:"messages"`
		}
		return mcpJSON(askResult{
			SessionID: conv.ActiveSession().String(),
			Messages:  toMessageResults(added),
		})
	}
}

// resolveModel finds the model whose uid or name is want.
func resolveModel(ctx context.Context, lister ModelLister, want string) (*model.ChatModel, error) {
	models, err := lister.FetchChatModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models failed: %v", err)
	}
	for i := range models {
		if models[i].UID == want || strings.EqualFold(models[i].Name, want) {
			return &models[i], nil
		}
	}
	return nil, fmt.Errorf("unknown model %q", want)
}

func openDocument(ctx context.Context, deps MCPDeps, req mcp.CallToolRequest) (Document, *mcp.CallToolResult) {
	id, errResult := requireUUID(req, "knowledge_id")
	if errResult != nil {
		return nil, errResult
	}
	doc := deps.NewDocument()
	if err := doc.Open(ctx, id); err != nil {
		doc.Close()
		return nil, mcpError(fmt.Sprintf("opening document failed: %v", err))
	}
	return doc, nil
}

func mcpSearchDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > maxSearchResults {
			limit = maxSearchResults
		}

		doc, errResult := openDocument(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}
		defer doc.Close()

		if err := doc.Search(ctx, query); err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		texts, err := doc.PageTexts(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reading page text failed: %v", err)), nil
		}

		type searchHit struct {
			Page    int    `json:"page"`
			Match   string `json:"match"`
			Snippet string `json:"snippet"`
		}
		results := doc.Results()
		hits := make([]searchHit, 0, min(len(results), limit))
		for _, r := range results {
			if len(hits) == limit {
				break
			}
			hits = append(hits, searchHit{
				Page:    r.PageIndex + 1,
				Match:   r.Text,
				Snippet: snippet(texts[r.PageIndex], r.Text),
			})
		}

		info := doc.FileInfo()
		return mcpJSON(map[string]any{
			"name":    info.Name,
			"pages":   info.Pages,
			"total":   len(results),
			"results": hits,
		})
	}
}

// snippet returns the surroundings of the first occurrence of match in text.
func snippet(text, match string) string {
	text = pdfview.Normalize(text)
	match = pdfview.Normalize(match)
	i := strings.Index(text, match)
	if i < 0 {
		i = strings.Index(strings.ToLower(text), strings.ToLower(match))
	}
	if i < 0 {
		return truncate(text, 2*snippetRadius)
	}
	start := max(0, i-snippetRadius)
	end := min(len(text), i+len(match)+snippetRadius)
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	s := text[start:end]
	if start > 0 {
		s = "..." + s
	}
	if end < len(text) {
		s += "..."
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func mcpReadPage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		page := req.GetInt("page", 0)
		if page < 1 {
			return mcpError("page must be a positive number"), nil
		}

		doc, errResult := openDocument(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}
		defer doc.Close()

		texts, err := doc.PageTexts(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reading page text failed: %v", err)), nil
		}
		if page > len(texts) {
			return mcpError(fmt.Sprintf("page %d out of range 1..%d", page, len(texts))), nil
		}
		return mcpText(texts[page-1]), nil
	}
}

func mcpResourceKnowledge(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := loadKnowledge(ctx, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to load knowledge: %w", err)
		}
		results := make([]knowledgeResult, len(items))
		for i, k := range items {
			results[i] = toKnowledgeResult(k)
		}
		return jsonResource(req.Params.URI, results)
	}
}

func mcpResourceModels(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		models, err := deps.Models.FetchChatModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list models: %w", err)
		}
		return jsonResource(req.Params.URI, models)
	}
}

func requireUUID(req mcp.CallToolRequest, name string) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString(name)
	if err != nil {
		return uuid.Nil, mcpError(name + " is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, mcpError(fmt.Sprintf("invalid %s %q", name, raw))
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

var (
	_ Conversation = (*chat.Orchestrator)(nil)
	_ Document     = (*pdfview.Viewer)(nil)
)

var errNoDeps = errors.New("mcp: missing dependency")

// Validate reports a missing dependency before the server starts serving.
func (d MCPDeps) Validate() error {
	switch {
	case d.Knowledge == nil:
		return fmt.Errorf("%w: knowledge", errNoDeps)
	case d.Sessions == nil:
		return fmt.Errorf("%w: sessions", errNoDeps)
	case d.Models == nil:
		return fmt.Errorf("%w: models", errNoDeps)
	case d.NewConversation == nil:
		return fmt.Errorf("%w: conversation factory", errNoDeps)
	case d.NewDocument == nil:
		return fmt.Errorf("%w: document factory", errNoDeps)
	}
	return nil
}
