// Package toolcall extracts structured tool calls from free-form model
// output. Models asked to call tools produce anything from clean JSON to
// python-style call syntax to prose with a JSON blob buried in it; the
// parser tries a fixed sequence of strategies against the known tool
// names and stops at the first one that produces a call.
package toolcall

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ToolName is one known tool in both its addressable forms.
type ToolName struct {
	// Key is the namespaced form, "serverId/rawName".
	Key string

	// Short is the raw tool name without the server prefix.
	Short string
}

// Call is a parsed tool invocation. Name is the resolved namespaced key.
type Call struct {
	Name string
	Args map[string]any

	// Strategy names the parse strategy that produced this call.
	Strategy string
}

// strategy is one extraction attempt. Strategies run in order; the
// first non-nil result wins.
type strategy struct {
	name string
	fn   func(text string, idx *nameIndex) *Call
}

var strategies = []strategy{
	{"named-json", parseNamedJSON},
	{"key-style", parseKeyStyle},
	{"call-style", parseCallStyle},
	{"keyword-call", parseKeywordCall},
	{"loose-match", parseLooseMatch},
	{"bare-name", parseBareName},
}

// Parse extracts a tool call from model text. A nil result means no
// call was found, which is not an error: the caller decides whether
// that text is a final answer or a malformed attempt.
func Parse(text string, known []ToolName) *Call {
	if len(known) == 0 {
		return nil
	}

	text = preprocess(text)
	if text == "" {
		return nil
	}

	idx := newNameIndex(known)
	for _, s := range strategies {
		if call := s.fn(text, idx); call != nil {
			call.Strategy = s.name
			if call.Args == nil {
				call.Args = map[string]any{}
			}
			return call
		}
	}
	return nil
}

// sentinels are control tokens various model families leak into output.
var sentinels = []string{
	"<|im_start|>", "<|im_end|>", "<|eot_id|>", "<|endoftext|>",
	"<|assistant|>", "<|user|>", "<|system|>",
	"<s>", "</s>", "[INST]", "[/INST]",
}

// preprocess strips sentinel tokens and unwraps a single leading fenced
// code block.
func preprocess(text string) string {
	for _, s := range sentinels {
		text = strings.ReplaceAll(text, s, "")
	}
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		rest := text[3:]
		// Drop the optional language tag on the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl != -1 {
			rest = rest[nl+1:]
		} else {
			rest = ""
		}
		if end := strings.Index(rest, "```"); end != -1 {
			rest = rest[:end]
		}
		text = strings.TrimSpace(rest)
	}
	return text
}

// nameIndex resolves the many spellings models use for tool names.
// Candidates are ordered longest first so a short tool name never
// shadows a longer one it is a substring of.
type nameIndex struct {
	known []ToolName
	cands []candidate
}

type candidate struct {
	text string
	key  string
}

func newNameIndex(known []ToolName) *nameIndex {
	idx := &nameIndex{known: known}
	for _, tn := range known {
		if tn.Key != "" {
			idx.cands = append(idx.cands, candidate{tn.Key, tn.Key})
		}
		if tn.Short != "" && tn.Short != tn.Key {
			idx.cands = append(idx.cands, candidate{tn.Short, tn.Key})
		}
	}
	// Insertion sort by length descending keeps registration order among
	// equals.
	for i := 1; i < len(idx.cands); i++ {
		for j := i; j > 0 && len(idx.cands[j].text) > len(idx.cands[j-1].text); j-- {
			idx.cands[j], idx.cands[j-1] = idx.cands[j-1], idx.cands[j]
		}
	}
	return idx
}

// normalizeName folds hyphens into underscores.
func normalizeName(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

// shortOf strips a "server__" or "server/" prefix.
func shortOf(name string) string {
	if i := strings.LastIndex(name, "__"); i != -1 {
		return name[i+2:]
	}
	if i := strings.LastIndex(name, "/"); i != -1 {
		return name[i+1:]
	}
	return name
}

// resolve maps an emitted name to a known tool key: exact match first,
// then with the emitted server prefix stripped, then by suffix equality
// when the model used a different server prefix than expected.
func (idx *nameIndex) resolve(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}

	for _, c := range idx.cands {
		if c.text == name {
			return c.key, true
		}
	}

	stripped := shortOf(name)
	if stripped != name {
		for _, c := range idx.cands {
			if c.text == stripped {
				return c.key, true
			}
		}
	}

	for _, c := range idx.cands {
		if shortOf(c.text) == stripped {
			return c.key, true
		}
	}

	return "", false
}

// resolveNormalized is resolve with hyphen/underscore folding on both
// sides.
func (idx *nameIndex) resolveNormalized(name string) (string, bool) {
	if key, ok := idx.resolve(name); ok {
		return key, true
	}
	norm := normalizeName(name)
	for _, c := range idx.cands {
		if normalizeName(c.text) == norm || normalizeName(shortOf(c.text)) == normalizeName(shortOf(norm)) {
			return c.key, true
		}
	}
	return "", false
}

// balancedObject extracts the JSON object starting at s[start] ('{'),
// tracking string quoting and escapes rather than naively counting
// braces.
func balancedObject(s string, start int) (string, bool) {
	if start >= len(s) || s[start] != '{' {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// parseNamedJSON finds the first balanced object carrying a top-level
// "name" key that resolves to a known tool. Arguments come from a
// "parameters" or "arguments" field.
func parseNamedJSON(text string, idx *nameIndex) *Call {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		obj, ok := balancedObject(text, start)
		if !ok || !gjson.Valid(obj) {
			continue
		}
		name := gjson.Get(obj, "name")
		if name.Type != gjson.String {
			continue
		}
		key, ok := idx.resolve(name.String())
		if !ok {
			// A name-shaped object for an unknown tool; keep scanning in
			// case a later object names a real one.
			start += len(obj) - 1
			continue
		}
		args := objectArgs(gjson.Get(obj, "parameters"))
		if args == nil {
			args = objectArgs(gjson.Get(obj, "arguments"))
		}
		return &Call{Name: key, Args: args}
	}
	return nil
}

// objectArgs converts a gjson object result to a map, or nil.
func objectArgs(res gjson.Result) map[string]any {
	if !res.IsObject() {
		return nil
	}
	if m, ok := res.Value().(map[string]any); ok {
		return m
	}
	return nil
}

// parseKeyStyle matches `toolName: {...}` with the name bare, quoted,
// or backticked.
func parseKeyStyle(text string, idx *nameIndex) *Call {
	for _, c := range idx.cands {
		pos := 0
		for {
			i := indexWord(text[pos:], c.text)
			if i == -1 {
				break
			}
			i += pos
			rest := text[i+len(c.text):]
			// Allow a closing quote/backtick around the name.
			rest = strings.TrimLeft(rest, "\"`'")
			rest = strings.TrimLeft(rest, " \t")
			if strings.HasPrefix(rest, ":") {
				rest = strings.TrimLeft(rest[1:], " \t\r\n")
				if len(rest) > 0 && rest[0] == '{' {
					if obj, ok := balancedObject(rest, 0); ok && gjson.Valid(obj) {
						return &Call{Name: c.key, Args: objectArgs(gjson.Parse(obj))}
					}
				}
			}
			pos = i + len(c.text)
		}
	}
	return nil
}

// parseCallStyle matches `toolName({...})`.
func parseCallStyle(text string, idx *nameIndex) *Call {
	for _, c := range idx.cands {
		pos := 0
		for {
			i := indexWord(text[pos:], c.text)
			if i == -1 {
				break
			}
			i += pos
			rest := strings.TrimLeft(text[i+len(c.text):], " \t")
			if strings.HasPrefix(rest, "(") {
				inner := strings.TrimLeft(rest[1:], " \t\r\n")
				if len(inner) > 0 && inner[0] == '{' {
					if obj, ok := balancedObject(inner, 0); ok && gjson.Valid(obj) {
						return &Call{Name: c.key, Args: objectArgs(gjson.Parse(obj))}
					}
				}
			}
			pos = i + len(c.text)
		}
	}
	return nil
}

// parseKeywordCall matches `toolName(key='v', key2=123)`, python style.
// The tool name is also retried with hyphen/underscore normalization.
func parseKeywordCall(text string, idx *nameIndex) *Call {
	norm := normalizeName(text)

	try := func(hay, name, key string) *Call {
		pos := 0
		for {
			i := indexWord(hay[pos:], name)
			if i == -1 {
				return nil
			}
			i += pos
			rest := strings.TrimLeft(hay[i+len(name):], " \t")
			if strings.HasPrefix(rest, "(") {
				if inner, ok := parenContents(rest); ok {
					if args, ok := parseKeywordPairs(inner); ok {
						return &Call{Name: key, Args: args}
					}
				}
			}
			pos = i + len(name)
		}
	}

	for _, c := range idx.cands {
		if call := try(text, c.text, c.key); call != nil {
			return call
		}
		if n := normalizeName(c.text); n != c.text {
			if call := try(norm, n, c.key); call != nil {
				return call
			}
		} else if norm != text {
			if call := try(norm, c.text, c.key); call != nil {
				return call
			}
		}
	}
	return nil
}

// parenContents returns the text between the opening paren at s[0] and
// its matching close, honoring single and double quotes.
func parenContents(s string) (string, bool) {
	if len(s) == 0 || s[0] != '(' {
		return "", false
	}
	var quote byte
	escaped := false
	for i := 1; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case ')':
			return s[1:i], true
		}
	}
	return "", false
}

// parseKeywordPairs parses comma-separated key=value pairs. Quoted
// values are applied first and win over unquoted values for the same
// key; unquoted values coerce to bool, null, or number before falling
// back to string.
func parseKeywordPairs(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}, true
	}

	type pair struct {
		key    string
		value  string
		quoted bool
	}
	var pairs []pair

	for _, part := range splitTopLevel(s, ',') {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, false
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || !isIdentifier(key) {
			return nil, false
		}
		quoted := false
		if len(value) >= 2 {
			if (value[0] == '\'' && value[len(value)-1] == '\'') ||
				(value[0] == '"' && value[len(value)-1] == '"') {
				value = value[1 : len(value)-1]
				quoted = true
			}
		}
		pairs = append(pairs, pair{key, value, quoted})
	}

	args := make(map[string]any, len(pairs))
	for _, p := range pairs {
		if p.quoted {
			args[p.key] = p.value
		}
	}
	for _, p := range pairs {
		if p.quoted {
			continue
		}
		if _, taken := args[p.key]; taken {
			continue
		}
		args[p.key] = coerceValue(p.value)
	}
	return args, true
}

// splitTopLevel splits on sep outside of quotes, braces, and brackets.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var quote byte
	depth := 0
	escaped := false
	last := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '{', '[', '(':
			depth++
		case '}', ']', ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// coerceValue interprets an unquoted keyword value.
func coerceValue(s string) any {
	switch s {
	case "true", "True":
		return true
	case "false", "False":
		return false
	case "null", "None":
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func isIdentifier(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch == '_', ch == '-':
		case ch >= '0' && ch <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(s) > 0
}

// parseLooseMatch pairs a tool name mentioned anywhere in the text with
// the first JSON object that is not itself a name/tool wrapper.
func parseLooseMatch(text string, idx *nameIndex) *Call {
	var key string
	found := false
	for _, c := range idx.cands {
		if indexWord(text, c.text) != -1 {
			key, found = c.key, true
			break
		}
		if n := normalizeName(c.text); n != c.text && indexWord(normalizeName(text), n) != -1 {
			key, found = c.key, true
			break
		}
		if short := shortOf(c.text); short != c.text && indexWord(text, short) != -1 {
			key, found = c.key, true
			break
		}
	}
	if !found {
		return nil
	}

	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		obj, ok := balancedObject(text, start)
		if !ok || !gjson.Valid(obj) {
			continue
		}
		// Skip objects that look like a tool wrapper themselves.
		if gjson.Get(obj, "name").Type == gjson.String {
			start += len(obj) - 1
			continue
		}
		if args := objectArgs(gjson.Parse(obj)); args != nil {
			return &Call{Name: key, Args: args}
		}
	}
	return nil
}

// shortOutputLimit bounds the "whole-word match in short output" rule in
// parseBareName; longer texts are almost certainly prose answers that
// merely mention a tool.
const shortOutputLimit = 80

// parseBareName matches output that is just a tool name, optionally
// with empty call parentheses.
func parseBareName(text string, idx *nameIndex) *Call {
	trimmed := strings.TrimSpace(text)
	bare := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(trimmed, "()"), "( )"))
	if key, ok := idx.resolveNormalized(bare); ok {
		return &Call{Name: key}
	}

	if len(trimmed) <= shortOutputLimit {
		for _, c := range idx.cands {
			if indexWord(trimmed, c.text) != -1 {
				return &Call{Name: c.key}
			}
		}
	}
	return nil
}

// indexWord finds needle in hay at a word boundary, or -1.
func indexWord(hay, needle string) int {
	if needle == "" {
		return -1
	}
	pos := 0
	for {
		i := strings.Index(hay[pos:], needle)
		if i == -1 {
			return -1
		}
		i += pos
		before := byte(0)
		if i > 0 {
			before = hay[i-1]
		}
		after := byte(0)
		if end := i + len(needle); end < len(hay) {
			after = hay[end]
		}
		if !isWordByte(before) && !isWordByte(after) {
			return i
		}
		pos = i + 1
	}
}

func isWordByte(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' ||
		ch >= '0' && ch <= '9' || ch == '_' || ch == '-'
}
