// Package jsonrepair salvages common malformations in model-generated
// JSON tool arguments and translates an alternate XML tool-call transport
// into canonical JSON. Every operation here returns a value-or-error; none
// of it ever panics into the caller, matching the "eval{} as control flow"
// redesign used throughout this module.
package jsonrepair

import (
	"encoding/json"
	"errors"
	"regexp"

	"github.com/tidwall/sjson"
)

// ErrBadJSON is returned when repair could not produce parseable JSON.
var ErrBadJSON = errors.New("jsonrepair: BadJSON")

var (
	missingValueBeforeComma   = regexp.MustCompile(`:\s*,`)
	missingValueBeforeBrace   = regexp.MustCompile(`:\s*}`)
	missingValueBeforeBracket = regexp.MustCompile(`:\s*\]`)
	leadingZeroPositive       = regexp.MustCompile(`:\s*\.(\d)`)
	leadingZeroNegative       = regexp.MustCompile(`:\s*-\.(\d)`)
	trailingCommaBrace        = regexp.MustCompile(`,\s*}`)
	trailingCommaBracket      = regexp.MustCompile(`,\s*\]`)
)

// TryParse reports whether s is already valid JSON, returning the decoded
// value on success.
func TryParse(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Repair applies a fixed, idempotent sequence of textual rewrites to s and
// reparses. The rewrite order matters: the leading-zero fix must run
// before the trailing-comma removal would otherwise be able to change
// offsets it depends on, so each pass operates on the prior pass's full
// output rather than accumulating positions.
//
// Repair does not attempt to fix unescaped embedded quotes — that class
// of malformation is ambiguous without a grammar-aware parser and is left
// to fail as BadJSON.
func Repair(s string) (string, error) {
	if _, err := TryParse(s); err == nil {
		return s, nil
	}

	repaired := s
	repaired = missingValueBeforeComma.ReplaceAllString(repaired, `: null,`)
	repaired = missingValueBeforeBrace.ReplaceAllString(repaired, `: null}`)
	repaired = missingValueBeforeBracket.ReplaceAllString(repaired, `: null]`)
	repaired = leadingZeroNegative.ReplaceAllString(repaired, `: -0.$1`)
	repaired = leadingZeroPositive.ReplaceAllString(repaired, `: 0.$1`)
	repaired = trailingCommaBrace.ReplaceAllString(repaired, `}`)
	repaired = trailingCommaBracket.ReplaceAllString(repaired, `]`)

	if _, err := TryParse(repaired); err != nil {
		return "", ErrBadJSON
	}
	return repaired, nil
}

// These patterns match the <tool_call> wrapper, <name>value</name>, and
// <parameter name="x">value</parameter> / <argument name="x">value
// </argument> children used by provider XML tool-call transports.
var (
	toolCallBlock  = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	nameTag        = regexp.MustCompile(`(?s)<name>(.*?)</name>`)
	namedParamTag  = regexp.MustCompile(`(?s)<(?:parameter|argument)\s+name="([^"]+)"\s*>(.*?)</(?:parameter|argument)>`)
)

// FromXML translates a `<tool_call>...<name>x</name><parameter
// name="k">v</parameter>...</tool_call>` block (or bare `<name>`/
// `<parameter>` children without the wrapper) into a canonical JSON object
// `{"name": "x", "arguments": {"k": "v", ...}}`. Returns ok=false when no
// such block is present so callers can fall through to other formats.
func FromXML(s string) (jsonText string, ok bool) {
	body := s
	if m := toolCallBlock.FindStringSubmatch(s); m != nil {
		body = m[1]
	}

	nameMatch := nameTag.FindStringSubmatch(body)
	if nameMatch == nil {
		return "", false
	}

	doc := `{}`
	var err error
	doc, err = sjson.Set(doc, "name", trimTagText(nameMatch[1]))
	if err != nil {
		return "", false
	}

	params := namedParamTag.FindAllStringSubmatch(body, -1)
	doc, err = sjson.SetRaw(doc, "arguments", "{}")
	if err != nil {
		return "", false
	}
	for _, p := range params {
		key, val := p[1], trimTagText(p[2])
		doc, err = sjson.Set(doc, "arguments."+key, val)
		if err != nil {
			return "", false
		}
	}

	return doc, true
}

func trimTagText(s string) string {
	return regexp.MustCompile(`^\s+|\s+$`).ReplaceAllString(s, "")
}
