// Package search implements the Search Query Compiler (§4.5): turning a
// human-typed query string into a set of field-scoped FTS5 phrases.
package search

import (
	"strings"
	"unicode"
)

// AnyField is the sentinel field key meaning "search every indexed column",
// used for tokens that carry no field prefix.
const AnyField = ""

// FTS5 column names, matching the messages_fts virtual table definition.
const (
	ColSubject    = "subject"
	ColFrom       = "from_field"
	ColTo         = "receivers"
	ColCc         = "cc"
	ColBcc        = "bcc"
	ColBody       = "body"
	ColAttachment = "attachment"
)

var fieldColumns = map[string]string{
	"attachment": ColAttachment,
	"bcc":        ColBcc,
	"body":       ColBody,
	"cc":         ColCc,
	"from":       ColFrom,
	"subject":    ColSubject,
	"to":         ColTo,
}

// meFields is the subset of {bcc, cc, from, to} columns eligible for "me"
// expansion.
var meFields = map[string]bool{ColBcc: true, ColCc: true, ColFrom: true, ColTo: true}

// Compiled maps a field column (or AnyField) to a single, already-phrased
// FTS5 match fragment for that column.
type Compiled map[string]string

// Compile parses raw into field-scoped FTS phrases. selfEmail is substituted
// wherever the caller writes the localized word "me" in a from/to/cc/bcc
// field token. Compile is pure: calling it twice on the same raw query
// produces equal results, and feeding an already-wrapped phrase token back
// through Compile reproduces the same token (the wrap step below is
// symmetric under re-tokenization), which is what gives the compiler its
// idempotence property.
func Compile(raw string, selfEmail string) Compiled {
	raw = balanceQuotes(raw)

	phrases := map[string][]string{}
	for _, seg := range splitQuoted(raw) {
		if seg.quoted {
			val := strings.TrimSpace(strings.ReplaceAll(seg.text, ":", " "))
			if val == "" {
				continue
			}
			appendPhrase(phrases, AnyField, val)
			continue
		}

		for _, tok := range strings.FieldsFunc(seg.text, isSeparator) {
			if isStopToken(strings.ToLower(tok)) {
				continue
			}
			tok = strings.TrimPrefix(tok, "-")
			if tok == "" {
				continue
			}

			field := AnyField
			value := tok
			if idx := strings.IndexByte(tok, ':'); idx >= 0 {
				key := strings.ToLower(tok[:idx])
				val := strings.TrimSpace(tok[idx+1:])
				switch {
				case val == "":
					value = tok[:idx]
				case fieldColumns[key] != "":
					col := fieldColumns[key]
					field = col
					value = val
					if meFields[col] && strings.ToLower(val) == "me" {
						value = selfEmail
					}
				default:
					value = tok
				}
			}
			appendPhrase(phrases, field, value)
		}
	}

	out := make(Compiled, len(phrases))
	for field, toks := range phrases {
		out[field] = strings.Join(toks, " ")
	}
	return out
}

func appendPhrase(phrases map[string][]string, field, value string) {
	phrases[field] = append(phrases[field], wrapToken(value))
}

// wrapToken quotes value as an FTS5 prefix-phrase match, escaping embedded
// quotes by doubling them (FTS5's own quoted-string escape).
func wrapToken(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"*`
}

func isStopToken(lower string) bool {
	switch lower {
	case "", "and", "or", "not", "near":
		return true
	}
	return strings.HasPrefix(lower, "near/")
}

func isSeparator(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	return strings.ContainsRune(`()%*\`, r)
}

type segment struct {
	text   string
	quoted bool
}

// splitQuoted splits s into alternating quoted/unquoted segments on `"`,
// discarding the quote characters themselves.
func splitQuoted(s string) []segment {
	var segs []segment
	var b strings.Builder
	quoted := false
	for _, r := range s {
		if r == '"' {
			segs = append(segs, segment{text: b.String(), quoted: quoted})
			b.Reset()
			quoted = !quoted
			continue
		}
		b.WriteRune(r)
	}
	segs = append(segs, segment{text: b.String(), quoted: quoted})
	return segs
}

// balanceQuotes replaces a final unmatched `"` with a space so an odd
// number of quote characters never leaves the tokenizer in quoted state.
func balanceQuotes(s string) string {
	if strings.Count(s, `"`)%2 == 0 {
		return s
	}
	idx := strings.LastIndex(s, `"`)
	return s[:idx] + " " + s[idx+1:]
}
