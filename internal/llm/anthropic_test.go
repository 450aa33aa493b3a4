package llm

import (
	"testing"
)

func TestConvertToAnthropicExtractsSystem(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}

	converted, system := convertToAnthropic(msgs)
	if system != "be helpful" {
		t.Errorf("system = %q, want %q", system, "be helpful")
	}
	if len(converted) != 2 {
		t.Fatalf("got %d messages, want 2 (system extracted)", len(converted))
	}
	if converted[0].Role != "user" || converted[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", converted[0].Role, converted[1].Role)
	}
}

func TestConvertToAnthropicToolCalls(t *testing.T) {
	call := ToolCall{ID: "toolu_1"}
	call.Function.Name = "search"
	call.Function.Arguments = map[string]any{"q": "weather"}

	msgs := []Message{
		{Role: "assistant", Content: "let me check", ToolCalls: []ToolCall{call}},
		{Role: "tool", Content: "sunny", ToolCallID: "toolu_1"},
	}

	converted, _ := convertToAnthropic(msgs)
	if len(converted) != 2 {
		t.Fatalf("got %d messages, want 2", len(converted))
	}

	blocks, ok := converted[0].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("assistant content is %T, want []anthropicContent", converted[0].Content)
	}
	if len(blocks) != 2 || blocks[0].Type != "text" || blocks[1].Type != "tool_use" {
		t.Errorf("assistant blocks = %+v", blocks)
	}
	if blocks[1].ID != "toolu_1" || blocks[1].Name != "search" {
		t.Errorf("tool_use block = %+v", blocks[1])
	}

	// Tool responses become user-role tool_result blocks.
	if converted[1].Role != "user" {
		t.Errorf("tool response role = %q, want user", converted[1].Role)
	}
	results, ok := converted[1].Content.([]anthropicContent)
	if !ok || len(results) != 1 || results[0].Type != "tool_result" {
		t.Fatalf("tool response content = %+v", converted[1].Content)
	}
	if results[0].ToolUseID != "toolu_1" || results[0].Content != "sunny" {
		t.Errorf("tool_result = %+v", results[0])
	}
}

func TestConvertToAnthropicGeneratesMissingToolIDs(t *testing.T) {
	call := ToolCall{}
	call.Function.Name = "search"

	converted, _ := convertToAnthropic([]Message{
		{Role: "assistant", ToolCalls: []ToolCall{call}},
	})
	blocks := converted[0].Content.([]anthropicContent)
	if blocks[0].ID == "" {
		t.Error("tool_use block without provider ID should get a synthetic one")
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "search",
				"description": "finds things",
				"parameters":  map[string]any{"type": "object"},
			},
		},
		{"malformed": true},
	}

	converted := convertToolsToAnthropic(tools)
	if len(converted) != 1 {
		t.Fatalf("got %d tools, want 1 (malformed skipped)", len(converted))
	}
	if converted[0].Name != "search" || converted[0].Description != "finds things" {
		t.Errorf("converted tool = %+v", converted[0])
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-sonnet-4-20250514",
		Role:  "assistant",
		Content: []anthropicContent{
			{Type: "text", Text: "checking "},
			{Type: "text", Text: "now"},
			{Type: "tool_use", ID: "toolu_9", Name: "search", Input: map[string]any{"q": "x"}},
		},
		Usage: anthropicUsage{InputTokens: 10, OutputTokens: 5},
	}

	out := convertFromAnthropic(resp)
	if out.Message.Content != "checking now" {
		t.Errorf("content = %q", out.Message.Content)
	}
	if len(out.Message.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(out.Message.ToolCalls))
	}
	tc := out.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Function.Name != "search" {
		t.Errorf("tool call = %+v", tc)
	}
	if out.InputTokens != 10 || out.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", out.InputTokens, out.OutputTokens)
	}
}
