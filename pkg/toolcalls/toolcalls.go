// Package toolcalls extracts tool calls from free-form model content when
// the provider transport didn't already hand back structured tool_calls.
// Four formats are recognized, tried in a fixed order so an earlier match
// never gets reinterpreted by a later, looser pattern.
package toolcalls

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"regexp"
	"strings"

	"github.com/loopwright/agentcore/pkg/jsonrepair"
	"github.com/loopwright/agentcore/pkg/providers"
)

// Format names the transport a set of calls was recognized from.
type Format string

const (
	FormatNone       Format = "none"
	FormatStructured Format = "structured"
	FormatXML        Format = "xml"
	FormatBracket    Format = "bracket"
	FormatCall       Format = "call"
	FormatJSONBlock  Format = "json_block"
)

// Result is the outcome of one extraction pass.
type Result struct {
	Calls          []providers.ToolCall
	CleanedContent string
	Format         Format
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewCallID fabricates an id in the "call_" + 24 random base36 chars shape
// the spec requires for calls that arrive without one.
func NewCallID() string {
	var b strings.Builder
	b.WriteString("call_")
	for i := 0; i < 24; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(idAlphabet))))
		if err != nil {
			// crypto/rand failure is effectively unrecoverable; fall back to
			// a fixed character rather than panicking into the caller.
			b.WriteByte('0')
			continue
		}
		b.WriteByte(idAlphabet[n.Int64()])
	}
	return b.String()
}

var (
	xmlBlockRe  = regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`)
	bracketHdr  = regexp.MustCompile(`\[(\w+)\s+(\w+)\]\s*\n`)
	callHdr     = regexp.MustCompile(`CALL\s+(\w+):\s*`)
	fencedStart = regexp.MustCompile("```json\\s*\\n")
)

// Extract finds tool calls in content. If structured is non-empty, it is
// returned verbatim as FormatStructured — the provider already did the
// parsing, and extractor heuristics must not second-guess it (spec
// invariant: extract(x).tool_calls = x.tool_calls for structured input).
func Extract(content string, structured []providers.ToolCall) Result {
	if len(structured) > 0 {
		return Result{Calls: structured, CleanedContent: content, Format: FormatStructured}
	}

	if calls, cleaned, ok := extractXML(content); ok {
		return Result{Calls: calls, CleanedContent: cleaned, Format: FormatXML}
	}
	if calls, cleaned, ok := extractBracket(content); ok {
		return Result{Calls: calls, CleanedContent: cleaned, Format: FormatBracket}
	}
	if calls, cleaned, ok := extractCall(content); ok {
		return Result{Calls: calls, CleanedContent: cleaned, Format: FormatCall}
	}
	if calls, cleaned, ok := extractJSONBlock(content); ok {
		return Result{Calls: calls, CleanedContent: cleaned, Format: FormatJSONBlock}
	}

	return Result{Calls: nil, CleanedContent: strings.TrimSpace(content), Format: FormatNone}
}

func extractXML(content string) ([]providers.ToolCall, string, bool) {
	locs := xmlBlockRe.FindAllStringIndex(content, -1)
	if locs == nil {
		return nil, content, false
	}

	var calls []providers.ToolCall
	for _, loc := range locs {
		block := content[loc[0]:loc[1]]
		doc, ok := jsonrepair.FromXML(block)
		if !ok {
			continue
		}
		if tc, ok := callFromJSONObject(doc); ok {
			calls = append(calls, tc)
		}
	}
	if len(calls) == 0 {
		return nil, content, false
	}
	return calls, removeRegions(content, locs), true
}

// extractBracket handles `[name op]\n{...}` headers, copying op into the
// arguments object's "operation" key per spec.md §4.3.
func extractBracket(content string) ([]providers.ToolCall, string, bool) {
	var calls []providers.ToolCall
	var regions [][2]int

	pos := 0
	for {
		loc := bracketHdr.FindStringSubmatchIndex(content[pos:])
		if loc == nil {
			break
		}
		hdrStart, hdrEnd := pos+loc[0], pos+loc[1]
		name := content[pos+loc[2] : pos+loc[3]]
		op := content[pos+loc[4] : pos+loc[5]]

		if hdrEnd >= len(content) || content[hdrEnd] != '{' {
			pos = hdrEnd
			continue
		}
		jsonEnd := findMatchingBrace(content, hdrEnd)
		if jsonEnd == hdrEnd {
			pos = hdrEnd
			continue
		}

		argsText := content[hdrEnd:jsonEnd]
		args, err := parseArguments(argsText)
		if err == nil {
			if _, has := args["operation"]; !has {
				args["operation"] = op
			}
			calls = append(calls, buildCall(name, args))
			regions = append(regions, [2]int{hdrStart, jsonEnd})
		}
		pos = jsonEnd
	}

	if len(calls) == 0 {
		return nil, content, false
	}
	return calls, removeRegions(content, regions), true
}

func extractCall(content string) ([]providers.ToolCall, string, bool) {
	var calls []providers.ToolCall
	var regions [][2]int

	pos := 0
	for {
		loc := callHdr.FindStringSubmatchIndex(content[pos:])
		if loc == nil {
			break
		}
		hdrStart, hdrEnd := pos+loc[0], pos+loc[1]
		name := content[pos+loc[2] : pos+loc[3]]

		if hdrEnd >= len(content) || content[hdrEnd] != '{' {
			pos = hdrEnd
			continue
		}
		jsonEnd := findMatchingBrace(content, hdrEnd)
		if jsonEnd == hdrEnd {
			pos = hdrEnd
			continue
		}

		args, err := parseArguments(content[hdrEnd:jsonEnd])
		if err == nil {
			calls = append(calls, buildCall(name, args))
			regions = append(regions, [2]int{hdrStart, jsonEnd})
		}
		pos = jsonEnd
	}

	if len(calls) == 0 {
		return nil, content, false
	}
	return calls, removeRegions(content, regions), true
}

// extractJSONBlock handles fenced ```json blocks containing either a
// single {name, arguments} object or an array of them.
func extractJSONBlock(content string) ([]providers.ToolCall, string, bool) {
	var calls []providers.ToolCall
	var regions [][2]int

	pos := 0
	for {
		loc := fencedStart.FindStringIndex(content[pos:])
		if loc == nil {
			break
		}
		blockStart := pos + loc[0]
		bodyStart := pos + loc[1]

		closeIdx := strings.Index(content[bodyStart:], "```")
		if closeIdx == -1 {
			break
		}
		body := content[bodyStart : bodyStart+closeIdx]
		blockEnd := bodyStart + closeIdx + 3

		found := parseNamedCallsJSON(body)
		if len(found) > 0 {
			calls = append(calls, found...)
			regions = append(regions, [2]int{blockStart, blockEnd})
		}
		pos = blockEnd
	}

	if len(calls) == 0 {
		return nil, content, false
	}
	return calls, removeRegions(content, regions), true
}

func parseNamedCallsJSON(body string) []providers.ToolCall {
	trimmed := strings.TrimSpace(body)

	var single struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil && single.Name != "" {
		return []providers.ToolCall{buildCall(single.Name, orEmpty(single.Arguments))}
	}

	var many []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(trimmed), &many); err == nil {
		var calls []providers.ToolCall
		for _, m := range many {
			if m.Name == "" {
				continue
			}
			calls = append(calls, buildCall(m.Name, orEmpty(m.Arguments)))
		}
		return calls
	}

	return nil
}

func callFromJSONObject(doc string) (providers.ToolCall, bool) {
	var obj struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(doc), &obj); err != nil || obj.Name == "" {
		return providers.ToolCall{}, false
	}
	return buildCall(obj.Name, orEmpty(obj.Arguments)), true
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func parseArguments(text string) (map[string]any, error) {
	repaired, err := jsonrepair.Repair(text)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func buildCall(name string, args map[string]any) providers.ToolCall {
	argsJSON, _ := json.Marshal(args)
	return providers.ToolCall{
		ID:        NewCallID(),
		Type:      "function",
		Name:      name,
		Arguments: args,
		Function:  &providers.FunctionCall{Name: name, Arguments: string(argsJSON)},
	}
}

// removeRegions deletes each [start,end) region from content, joining the
// remaining pieces with a blank line where both sides are non-empty, and
// trims the result.
func removeRegions(content string, regions [][2]int) string {
	var b strings.Builder
	last := 0
	for _, r := range regions {
		start, end := r[0], r[1]
		prefix := strings.TrimRight(content[last:start], " \t\n\r")
		if prefix != "" {
			b.WriteString(prefix)
			b.WriteString("\n\n")
		}
		last = end
	}
	tail := strings.TrimLeft(content[last:], " \t\n\r")
	b.WriteString(tail)
	return strings.TrimSpace(b.String())
}

// findMatchingBrace returns the index just past the closing brace that
// matches the opening brace at pos, tracking string/escape state so
// braces inside string literals don't confuse the depth count.
func findMatchingBrace(text string, pos int) int {
	if pos < 0 || pos >= len(text) || text[pos] != '{' {
		return pos
	}

	depth := 0
	inString := false
	escaped := false

	for i := pos; i < len(text); i++ {
		c := text[i]

		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return pos
}
