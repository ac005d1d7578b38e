package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/docchat/internal/app"
	"github.com/kalambet/docchat/internal/auth"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/knowledge"
	"github.com/kalambet/docchat/internal/model"
	"github.com/kalambet/docchat/internal/pdfview"
)

const (
	testSessionID = "6f1c8e36-2b1d-4a8e-9a43-0b9f4b6f3f10"
	testItemID    = "0d7f5f7a-1b2c-4d3e-8f90-a1b2c3d4e5f6"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":"not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) requested(method, path string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, r := range ts.requests {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

type memSecrets struct{}

func (memSecrets) Get(service, account string) (string, error) { return "", errors.New("not found") }
func (memSecrets) Set(service, account, value string) error    { return nil }
func (memSecrets) Delete(service, account string) error        { return nil }

// useServer points newApp at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer, mutate func(*config.Config)) {
	t.Helper()
	old := newApp
	t.Cleanup(func() { newApp = old })
	newApp = func() (*app.App, error) {
		cfg := config.Defaults()
		cfg.Server.BaseURL = ts.server.URL
		cfg.Storage.DataDir = ""
		if mutate != nil {
			mutate(&cfg)
		}
		return app.New(app.Options{Config: cfg, Notifier: cliNotifier{}, Secrets: memSecrets{}})
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

// chatResponses serves one model, session creation and the given prompt reply.
func chatResponses(reply string) map[string]string {
	responses := map[string]string{}
	responses["GET /chat-models"] = `[{"uid":"m-1","name":"Llama","provider":"ollama"}]`
	responses["POST /sessions"] = `{"id":"` + testSessionID + `","createdAt":"2025-01-01T00:00:00Z"}`
	responses["POST /sessions/"+testSessionID+"/prompt"] = reply
	return responses
}

var ctx = context.Background()

func TestMain(m *testing.M) {
	noColor = true
	os.Exit(m.Run())
}

func TestSessionsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /sessions": `[{"id":"` + testSessionID + `","createdAt":"2025-01-01T00:00:00Z","label":"Tax questions"}]`,
	})
	useServer(t, ts, nil)

	out, err := execute(t, "sessions", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, testSessionID) || !strings.Contains(out, "Tax questions") {
		t.Errorf("output = %q, want session id and label", out)
	}
}

func TestSessionsList_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /sessions": `[]`})
	useServer(t, ts, nil)

	out, err := execute(t, "sessions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No sessions yet.") {
		t.Errorf("output = %q", out)
	}
}

func TestSessionsRename(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /sessions/" + testSessionID + "/label": `{}`,
	})
	useServer(t, ts, nil)

	if _, err := execute(t, "sessions", "rename", testSessionID, "New", "label"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(ts.requests))
	}
	if ts.requests[0].Body != `{"label":"New label"}` {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestSessionsRename_InvalidID(t *testing.T) {
	_, err := execute(t, "sessions", "rename", "not-a-uuid", "x")
	if err == nil || !strings.Contains(err.Error(), "invalid id") {
		t.Fatalf("error = %v, want invalid id", err)
	}
}

func TestAsk(t *testing.T) {
	ts := newTestServer(t, chatResponses(`{"response":"Forty-two.","sources":[{"knowledgeId":"`+testItemID+`","content":"the answer"}]}`))
	useServer(t, ts, nil)

	out, err := execute(t, "ask", "--model", "llama", "--session", "", "what", "is", "it?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Forty-two.") {
		t.Errorf("output = %q, want the answer", out)
	}
	if !strings.Contains(out, testItemID) {
		t.Errorf("output = %q, want the source", out)
	}
	if strings.Contains(out, "what is it?") {
		t.Errorf("output = %q, prompt should not be echoed", out)
	}
	if !ts.requested("POST", "/sessions") {
		t.Error("expected a session to be created")
	}
}

func TestAsk_NoModel(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts, func(c *config.Config) { c.Chat.Model = "" })

	out, err := execute(t, "ask", "--model", "", "--session", "", "hello")
	if err == nil {
		t.Fatal("expected error without a model")
	}
	if !strings.Contains(out, "Please select a chat model first.") {
		t.Errorf("output = %q, want the localized system message", out)
	}
	if ts.requested("POST", "/sessions") {
		t.Error("no session should be created without a model")
	}
}

func TestAsk_UnknownModel(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /chat-models": `[{"uid":"m-1","name":"Llama","provider":"ollama"}]`,
	})
	useServer(t, ts, nil)

	_, err := execute(t, "ask", "--model", "gpt", "--session", "", "hello")
	if !errors.Is(err, app.ErrUnknownModel) {
		t.Fatalf("error = %v, want ErrUnknownModel", err)
	}
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /sessions/" + testSessionID + "/history": `[
			{"type":"USER","text":"hi","timestamp":"2025-01-01T00:00:00Z"},
			{"type":"AI","text":"hello there","timestamp":"2025-01-01T00:00:01Z","modelName":"Llama"}
		]`,
	})
	useServer(t, ts, nil)

	out, err := execute(t, "history", testSessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "you: hi") || !strings.Contains(out, "Llama: hello there") {
		t.Errorf("output = %q", out)
	}
}

func TestKnowledgeList_TagFilter(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /knowledge": `[
			{"id":"` + testItemID + `","type":"FILE","ingestionStatus":"SUCCEEDED","createdAt":"2025-01-01T00:00:00Z","label":"taxes.pdf","tags":["finance"]},
			{"id":"` + testSessionID + `","type":"WEBLINK","ingestionStatus":"PENDING","createdAt":"2025-01-02T00:00:00Z","source":"https://example.com"}
		]`,
	})
	useServer(t, ts, nil)

	out, err := execute(t, "knowledge", "list", "--tag", "FINANCE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "taxes.pdf") {
		t.Errorf("output = %q, want tagged item", out)
	}
	if strings.Contains(out, "example.com") {
		t.Errorf("output = %q, untagged item should be filtered", out)
	}
}

func TestKnowledgeShare_RejectsOwner(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts, nil)

	_, err := execute(t, "knowledge", "share", testItemID, "bob", "owner")
	if !errors.Is(err, knowledge.ErrOwnerPermission) {
		t.Fatalf("error = %v, want ErrOwnerPermission", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("requests = %d, want none", len(ts.requests))
	}
}

func TestModels(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /chat-models": `[{"uid":"m-1","name":"Llama","provider":"ollama"},{"uid":"m-2","name":"GPT","provider":"openai"}]`,
	})
	useServer(t, ts, func(c *config.Config) { c.Chat.Model = "m-2" })

	out, err := execute(t, "models")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "GPT *") {
		t.Errorf("output = %q, want default model marked", out)
	}
	if strings.Contains(out, "Llama *") {
		t.Errorf("output = %q, only the default is marked", out)
	}
}

func TestModelsUse(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("writes to the user defaults domain on macOS")
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	ts := newTestServer(t, map[string]string{
		"GET /chat-models": `[{"uid":"m-1","name":"Llama","provider":"ollama"},{"uid":"m-2","name":"GPT","provider":"openai"}]`,
	})
	useServer(t, ts, nil)

	if _, err := execute(t, "models", "use", "gpt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "docchat", "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"chat.model": "m-2"`) {
		t.Errorf("config file = %s, want the model uid stored", raw)
	}

	if _, err := execute(t, "models", "use", "Mistral"); !errors.Is(err, app.ErrUnknownModel) {
		t.Errorf("err = %v, want ErrUnknownModel", err)
	}
}

func TestWhoami_Anonymous(t *testing.T) {
	ts := &testServer{server: httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))}
	t.Cleanup(ts.server.Close)
	useServer(t, ts, nil)

	out, err := execute(t, "whoami")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "anonymous" {
		t.Errorf("output = %q, want anonymous", out)
	}
}

func TestReportLogin(t *testing.T) {
	name := "Ada Lovelace"
	tests := []struct {
		res     auth.LoginResult
		want    string
		wantErr bool
	}{
		{auth.LoggedIn{User: model.User{Username: "ada", Name: &name}}, "ada (Ada Lovelace)\n", false},
		{auth.LoggedIn{User: model.User{Username: "bob"}}, "bob\n", false},
		{auth.Anonymous{}, "anonymous\n", false},
		{auth.LoginFailed{Reason: errors.New("denied")}, "", true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := reportLogin(&out, tt.res)
		if (err != nil) != tt.wantErr {
			t.Errorf("%T: err = %v, wantErr %v", tt.res, err, tt.wantErr)
		}
		if out.String() != tt.want {
			t.Errorf("%T: output = %q, want %q", tt.res, out.String(), tt.want)
		}
	}
}

func TestRunChat(t *testing.T) {
	ts := newTestServer(t, chatResponses(`{"response":"pong","sources":[]}`))
	useServer(t, ts, nil)
	a, err := newApp()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)

	in := strings.NewReader("hello\n/model\n/bogus\nping\n/quit\nnever sent\n")
	var out bytes.Buffer
	if err := runChat(ctx, a, "", "m-1", in, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := out.String()
	if strings.Count(got, "Llama: pong") != 2 {
		t.Errorf("output = %q, want two answers", got)
	}
	if !strings.Contains(got, "Llama (ollama)") {
		t.Errorf("output = %q, want /model to print the selection", got)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, r := range ts.requests {
		if strings.Contains(r.Body, "never sent") {
			t.Error("input after /quit was sent")
		}
	}
}

func TestRunChat_EOF(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts, nil)
	a, err := newApp()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)

	if err := runChat(ctx, a, "", "", strings.NewReader(""), io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPrintMessage(t *testing.T) {
	var out bytes.Buffer
	printMessage(&out, model.ChatMessage{Type: model.MessageSystem, Text: "boom"})
	printMessage(&out, model.ChatMessage{Type: model.MessageAI, Text: "hi"})
	printMessage(&out, model.ChatMessage{Type: model.MessageCustom, Text: "x"})

	want := "boom\nassistant: hi\nCUSTOM: x\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestNoColorFlag(t *testing.T) {
	old, oldTerm := noColor, stderrIsTerminal
	defer func() { noColor, stderrIsTerminal = old, oldTerm }()
	stderrIsTerminal = true

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("a  b\nc", 10); got != "a b c" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("héllo world", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestPDFView(t *testing.T) {
	pdf, err := os.ReadFile("testdata/report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, map[string]string{
		"GET /knowledge/" + testItemID + "/file": string(pdf),
	})
	useServer(t, ts, nil)

	rootCmd.SetIn(strings.NewReader("/fox\n]\n.\ng 3\n+\nr\nbogus\nq\nn\n"))
	defer rootCmd.SetIn(nil)
	out, err := execute(t, "pdf", "view", testItemID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"page 1 / 3 (100% visible)  zoom 100%  rotation 0\n",
		"match 1 / 3",
		"page 2 / 3",
		"match 2 / 3",
		"**fox** trot",
		"page 3 / 3",
		"zoom 110%",
		"rotation 90",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output = %q, want %q", out, want)
		}
	}
	if strings.Count(out, "page ") != 8 {
		t.Errorf("output = %q, want a status line per command before q", out)
	}
}

func TestViewCommand_ClosedViewerIsQuiet(t *testing.T) {
	v := pdfview.NewViewer(pdfview.Config{})
	tb := pdfview.NewToolbar(v)
	v.Close()

	var out bytes.Buffer
	for _, line := range []string{"n", "+", "r", "]", "/fox"} {
		if _, err := viewCommand(ctx, v, tb, line, &out); err != nil && !errors.Is(err, pdfview.ErrNoDocument) {
			t.Errorf("%s: unexpected error %v", line, err)
		}
	}
}
