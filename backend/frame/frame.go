// Package frame splits an unbounded byte stream into top-level JSON objects.
//
// Objects are delimited only by brace balance: there is no length prefix and no
// separator between consecutive objects.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrMalformed = errors.New("frame: balanced span is not valid json")
)

// Extract returns the first complete object in buf and the bytes after it.
//
// When buf holds no complete object yet (including when it starts with something
// other than '{'), Extract returns a nil frame and buf unchanged. A balanced span
// that fails to parse is dropped: the frame is nil, rest starts after the span and
// err is ErrMalformed. The returned frame aliases buf.
func Extract(buf []byte) (frame []byte, rest []byte, err error) {
	start := skipSpace(buf)
	if start >= len(buf) || buf[start] != '{' {
		return nil, buf, nil
	}

	var (
		depth    int
		inString bool
		escaped  bool
	)
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
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
				span := buf[start : i+1]
				if !json.Valid(span) {
					return nil, buf[i+1:], ErrMalformed
				}
				return span, buf[i+1:], nil
			}
		}
	}
	return nil, buf, nil
}

// LeadingText reports un-framed text at the head of buf: everything up to the
// next '{' (or the end of buf), trimmed. ok is false when buf is empty, blank,
// or starts with an object.
func LeadingText(buf []byte) (text string, rest []byte, ok bool) {
	start := skipSpace(buf)
	if start >= len(buf) || buf[start] == '{' {
		return "", buf, false
	}
	end := bytes.IndexByte(buf[start:], '{')
	if end < 0 {
		end = len(buf)
	} else {
		end += start
	}
	return strings.TrimSpace(string(buf[start:end])), buf[end:], true
}

func skipSpace(buf []byte) int {
	i := 0
	for i < len(buf) {
		switch buf[i] {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			i++
		default:
			return i
		}
	}
	return i
}
