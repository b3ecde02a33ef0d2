// Package sexpr implements the stateless S-expression wire codec used on
// the control socket, for both client commands and server
// responses/notifications.
package sexpr

import "strings"

// Decode parses a single S-expression frame into its ordered token
// sequence. The first token is conventionally the verb.
//
// The input must start with '(' and end with ')'; anything else yields
// an empty token list. A nested "(...)" group is captured whole, as a
// single token holding the group's inner text: its own outer
// parentheses are dropped, while parentheses inside the group are kept
// and do not terminate it (depth is tracked). A double
// quote toggles quoted mode, inside which whitespace and parentheses are
// literal. Unterminated quotes or a depth that goes negative also yield
// an empty result.
func Decode(input string) []string {
	if len(input) < 2 || input[0] != '(' || input[len(input)-1] != ')' {
		return nil
	}

	body := input[1 : len(input)-1]

	var tokens []string
	var cur strings.Builder
	depth := 0
	quoted := false
	hasCur := false

	flush := func() {
		if hasCur {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasCur = false
		}
	}

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '"':
			quoted = !quoted
			cur.WriteByte(c)
			hasCur = true
		case quoted:
			cur.WriteByte(c)
		case c == '(':
			if depth == 0 {
				// Opening delimiter of a nested group: flush whatever
				// token preceded it, then start capturing the group's
				// inner content (the delimiter itself is not part of
				// the emitted token).
				flush()
				hasCur = true
			} else {
				cur.WriteByte(c)
			}
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil
			}
			if depth == 0 {
				// Matching close of the top-level nested group: the
				// delimiter is excluded from the token, which then
				// flushes immediately (even if empty).
				tokens = append(tokens, cur.String())
				cur.Reset()
				hasCur = false
			} else {
				cur.WriteByte(c)
			}
		case depth > 0:
			cur.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			cur.WriteByte(c)
			hasCur = true
		}
	}

	if quoted || depth != 0 {
		return nil
	}
	flush()

	return tokens
}

// Encode builds a response/notification envelope: "(" + verb + "(" +
// body + "))". It does not escape body; callers must not embed an
// unescaped ')' in body.
func Encode(verb, body string) string {
	var b strings.Builder
	b.Grow(len(verb) + len(body) + 4)
	b.WriteByte('(')
	b.WriteString(verb)
	b.WriteByte('(')
	b.WriteString(body)
	b.WriteString("))")
	return b.String()
}
