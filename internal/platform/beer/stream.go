package beer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// Delimiter separates tokens in a packet.
type Delimiter string

const (
	Newline   Delimiter = "\n"
	Pipe      Delimiter = "|"
	Semicolon Delimiter = ";"
	Colon     Delimiter = ":"
	At        Delimiter = "@"
)

// detectionOrder is the order in which Decode tries candidate delimiters.
var detectionOrder = []Delimiter{Newline, Pipe, Semicolon, Colon, At}

// ParseDelimiter accepts a delimiter by name ("newline", "semi", "colon",
// "pipe", "at") or by its literal character. Empty selects Newline.
func ParseDelimiter(name string) (Delimiter, error) {
	switch strings.ToLower(name) {
	case "", "newline", "nl", "\n":
		return Newline, nil
	case "pipe", "|":
		return Pipe, nil
	case "semi", "semicolon", ";":
		return Semicolon, nil
	case "colon", ":":
		return Colon, nil
	case "at", "@":
		return At, nil
	}
	return "", fmt.Errorf("beer: unknown delimiter %q: %w", name, ipsmodel.ErrUnsupportedFormat)
}

var (
	// markerPattern is the shared section grammar: <Letter><width>-<count>.
	markerPattern = regexp.MustCompile(`^([A-Za-z])(\d+)-(\d+)$`)
	// vitalsPattern is the vitals block marker: v<count>.
	vitalsPattern = regexp.MustCompile(`^v(\d+)$`)
	anchorPattern = regexp.MustCompile(`^\d{12}$`)
)

// marker formats a section marker for the encoder.
func marker(letter byte, width, count int) string {
	return fmt.Sprintf("%c%d-%d", letter, width, count)
}

// TokenStream is a forward-only cursor over the tokens of a packet.
type TokenStream struct {
	tokens []string
	pos    int
}

func NewTokenStream(tokens []string) *TokenStream {
	return &TokenStream{tokens: tokens}
}

// Peek returns the next token without consuming it.
func (s *TokenStream) Peek() (string, bool) {
	if s.pos >= len(s.tokens) {
		return "", false
	}
	return s.tokens[s.pos], true
}

// Next consumes and returns the next token. what names the expected field in
// the error when the stream is exhausted.
func (s *TokenStream) Next(what string) (string, error) {
	if s.pos >= len(s.tokens) {
		return "", fmt.Errorf("beer: unexpected end of packet, expected %s: %w", what, ipsmodel.ErrMalformedInput)
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}

// Expect consumes the next token and returns its submatches against re.
func (s *TokenStream) Expect(re *regexp.Regexp, what string) ([]string, error) {
	tok, err := s.Next(what)
	if err != nil {
		return nil, err
	}
	m := re.FindStringSubmatch(tok)
	if m == nil {
		return nil, fmt.Errorf("beer: token %d %q is not a valid %s: %w", s.pos-1, tok, what, ipsmodel.ErrMalformedInput)
	}
	return m, nil
}

// OpenSection consumes the marker of the section named by letter and returns
// its entry count. ok is false, and nothing is consumed, when the next token
// does not start with letter.
func (s *TokenStream) OpenSection(letter byte) (count int, ok bool, err error) {
	tok, more := s.Peek()
	if !more || tok == "" || tok[0] != letter {
		return 0, false, nil
	}

	re := markerPattern
	if letter == 'v' {
		re = vitalsPattern
	}
	m, err := s.Expect(re, fmt.Sprintf("%c section marker", letter))
	if err != nil {
		return 0, false, err
	}
	count, err = strconv.Atoi(m[len(m)-1])
	if err != nil {
		return 0, false, fmt.Errorf("beer: section %c count %q: %w", letter, m[len(m)-1], ipsmodel.ErrMalformedInput)
	}
	return count, true, nil
}

// Finish fails if any non-empty token is left unread.
func (s *TokenStream) Finish() error {
	for i := s.pos; i < len(s.tokens); i++ {
		if s.tokens[i] != "" {
			return fmt.Errorf("beer: unexpected token %d %q: %w", i, s.tokens[i], ipsmodel.ErrMalformedInput)
		}
	}
	return nil
}

// splitList splits a comma-list token. An empty token yields no items.
func splitList(tok string) []string {
	if strings.TrimSpace(tok) == "" {
		return nil
	}
	parts := strings.Split(tok, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
