package amcp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Response grammar, one line at a time:
//
//	line    = token *( SP token )
//	token   = quoted / word
//	quoted  = DQUOTE *( char / "\" char ) DQUOTE
//	word    = 1*( any char except SP, HTAB, DQUOTE )
//	status  = 3DIGIT            ; as the first token of a line
//
// Lines end in CRLF (bare LF is tolerated).

// mediaStampLayout is the playout server's file timestamp format.
const mediaStampLayout = "20060102150405"

var errMalformed = errors.New("amcp: malformed line")

// StatusError is a 4xx/5xx reply to a command.
type StatusError struct {
	Code int
	Text string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("amcp: server replied %d %s", e.Code, e.Text)
}

// Media is one entry of the media catalog (CLS).
type Media struct {
	Name      string    `json:"name"`
	Kind      string    `json:"type"`
	SizeBytes int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
	Stamp     string    `json:"updated"`
}

// Template is one entry of the template catalog (TLS).
type Template struct {
	Name string `json:"name"`
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits a response line into quoted and bare tokens.
func tokenize(line string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		switch c := line[i]; {
		case c == ' ' || c == '\t':
			i++
		case c == '"':
			var b strings.Builder
			i++
			closed := false
			for i < len(line) {
				ch := line[i]
				if ch == '\\' && i+1 < len(line) {
					b.WriteByte(line[i+1])
					i += 2
					continue
				}
				if ch == '"' {
					closed = true
					i++
					break
				}
				b.WriteByte(ch)
				i++
			}
			if !closed {
				return nil, errMalformed
			}
			toks = append(toks, token{kind: tokQuoted, text: b.String()})
		default:
			start := i
			for i < len(line) && line[i] != ' ' && line[i] != '\t' && line[i] != '"' {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: line[start:i]})
		}
	}
	return toks, nil
}

// splitLines breaks a raw response into lines without terminators.
func splitLines(raw []byte) []string {
	parts := strings.Split(string(raw), "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSuffix(p, "\r"))
	}
	return out
}

// statusCode returns the code when the line's first token is a status.
func statusCode(toks []token) (int, bool) {
	if len(toks) == 0 || toks[0].kind != tokWord || len(toks[0].text) != 3 {
		return 0, false
	}
	for i := 0; i < 3; i++ {
		if !isDigit(toks[0].text[i]) {
			return 0, false
		}
	}
	n, _ := strconv.Atoi(toks[0].text)
	return n, true
}

// payloadLines checks the status of a response and returns its data lines,
// already tokenized. Blank, status and untokenizable lines are dropped.
func payloadLines(raw []byte) ([][]token, []string, error) {
	var (
		toks  [][]token
		lines []string
		first = true
	)
	for _, line := range splitLines(raw) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		t, err := tokenize(line)
		if err != nil {
			first = false
			continue
		}
		if code, ok := statusCode(t); ok {
			if first && code >= 400 {
				return nil, nil, &StatusError{Code: code, Text: strings.TrimSpace(trimmed[3:])}
			}
			first = false
			continue
		}
		first = false
		toks = append(toks, t)
		lines = append(lines, line)
	}
	return toks, lines, nil
}

// ParseMediaList parses a CLS response. Lines that do not match
// `"name" TYPE SIZE STAMP` are skipped.
func ParseMediaList(raw []byte) ([]Media, error) {
	toks, _, err := payloadLines(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Media, 0, len(toks))
	for _, t := range toks {
		if m, ok := parseMedia(t); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func parseMedia(t []token) (Media, bool) {
	if len(t) < 4 || t[0].kind != tokQuoted || t[0].text == "" {
		return Media{}, false
	}
	if t[1].kind != tokWord || t[2].kind != tokWord || t[3].kind != tokWord {
		return Media{}, false
	}
	size, err := strconv.ParseInt(t[2].text, 10, 64)
	if err != nil || size < 0 {
		return Media{}, false
	}
	m := Media{
		Name:      t[0].text,
		Kind:      t[1].text,
		SizeBytes: size,
		Stamp:     t[3].text,
	}
	if ts, err := time.Parse(mediaStampLayout, t[3].text); err == nil {
		m.UpdatedAt = ts
	}
	return m, true
}

// ParseTemplateList parses a TLS response. A leading quoted token is the
// name; otherwise the whole trimmed line is.
func ParseTemplateList(raw []byte) ([]Template, error) {
	toks, lines, err := payloadLines(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Template, 0, len(toks))
	for i, t := range toks {
		if t[0].kind == tokQuoted {
			if t[0].text != "" {
				out = append(out, Template{Name: t[0].text})
			}
			continue
		}
		out = append(out, Template{Name: strings.TrimSpace(lines[i])})
	}
	return out, nil
}
