package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("non-streaming chat should send stream=false")
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           req.Model,
			CreatedAt:       "2026-01-15T10:00:00Z",
			Message:         Message{Role: "assistant", Content: "hi there"},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	resp, err := c.Chat(context.Background(), "llama3.2", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat() = %v", err)
	}
	if resp.Message.Content != "hi there" {
		t.Errorf("content = %q, want %q", resp.Message.Content, "hi there")
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 12/3", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChatStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(ollamaChatResponse{Message: Message{Role: "assistant", Content: "hel"}})
		enc.Encode(ollamaChatResponse{Message: Message{Role: "assistant", Content: "lo"}})
		enc.Encode(ollamaChatResponse{Done: true, EvalCount: 2})
	}))
	defer srv.Close()

	var tokens []string
	var gotDone bool
	c := NewOllamaClient(srv.URL)
	resp, err := c.ChatStream(context.Background(), "llama3.2", nil, nil, func(ev StreamEvent) {
		switch ev.Kind {
		case KindToken:
			tokens = append(tokens, ev.Token)
		case KindDone:
			gotDone = true
		}
	})
	if err != nil {
		t.Fatalf("ChatStream() = %v", err)
	}
	if strings.Join(tokens, "") != "hello" {
		t.Errorf("streamed tokens = %v", tokens)
	}
	if !gotDone {
		t.Error("no KindDone event delivered")
	}
	if resp.Message.Content != "hello" {
		t.Errorf("final content = %q, want hello", resp.Message.Content)
	}
}

func TestOllamaTextToolCallFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: Message{
				Role:    "assistant",
				Content: `{"name": "get_state", "arguments": {"entity": "door"}}`,
			},
			Done: true,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	resp, err := c.Chat(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Chat() = %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Function.Name != "get_state" {
		t.Errorf("tool name = %q", resp.Message.ToolCalls[0].Function.Name)
	}
	if resp.Message.Content != "" {
		t.Errorf("content should be cleared after tool-call extraction, got %q", resp.Message.Content)
	}
}

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"single object", `{"name": "search", "arguments": {"q": "x"}}`, 1},
		{"array", `[{"name": "a", "arguments": {}}, {"name": "b", "arguments": {}}]`, 2},
		{"tagged", `<tool_call>{"name": "search", "arguments": {}}</tool_call>`, 1},
		{"tagged unclosed", `<tool_call>{"name": "search", "arguments": {}}`, 1},
		{"prose", "I think the answer is 42.", 0},
		{"empty", "", 0},
		{"json without name", `{"answer": 42}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content)
			if len(got) != tt.want {
				t.Errorf("parseTextToolCalls(%q) returned %d calls, want %d", tt.content, len(got), tt.want)
			}
		})
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"models": []}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}

	srv.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() against closed server should fail")
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models": [{"name": "llama3.2"}, {"name": "qwen2.5"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() = %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2" || models[1] != "qwen2.5" {
		t.Errorf("ListModels() = %v", models)
	}
}
