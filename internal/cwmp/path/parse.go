package path

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// parseSegments splits s on top-level dots and parses each segment.
// An alias group directly following a literal ("a[x:1]") starts a new
// segment.
func (in *Interner) parseSegments(s string) ([]Segment, error) {
	var segs []Segment
	start, depth := 0, 0
	inQuote, escaped := false, false

	flush := func(end int) error {
		seg, err := in.parseSegment(s[start:end])
		if err != nil {
			return err
		}
		segs = append(segs, seg)
		return nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			if depth == 0 {
				return nil, fmt.Errorf("%w: '\"' at offset %d", ErrIllegalCharacter, i)
			}
			inQuote = true
		case '[':
			if depth == 0 && i > start {
				if err := flush(i); err != nil {
					return nil, err
				}
				start = i
			}
			depth++
		case ']':
			if depth == 0 {
				return nil, fmt.Errorf("%w: unexpected ']' at offset %d", ErrUnbalancedBrackets, i)
			}
			depth--
		case '.':
			if depth == 0 {
				if err := flush(i); err != nil {
					return nil, err
				}
				start = i + 1
			}
		}
	}
	if inQuote {
		return nil, ErrUnterminatedQuote
	}
	if depth > 0 {
		return nil, fmt.Errorf("%w: missing ']'", ErrUnbalancedBrackets)
	}
	if err := flush(len(s)); err != nil {
		return nil, err
	}
	return segs, nil
}

func (in *Interner) parseSegment(tok string) (Segment, error) {
	switch {
	case tok == "":
		return Segment{}, ErrEmptySegment
	case tok == "*":
		return wildcardSegment, nil
	case tok[0] == '[':
		if tok[len(tok)-1] != ']' {
			return Segment{}, fmt.Errorf("%w: trailing text after alias in %q", ErrIllegalCharacter, tok)
		}
		pairs, err := in.parseAlias(tok[1 : len(tok)-1])
		if err != nil {
			return Segment{}, err
		}
		return aliasSegment(pairs), nil
	}
	if err := validateLiteral(tok); err != nil {
		return Segment{}, err
	}
	return literalSegment(tok), nil
}

// parseAlias parses the body of an alias group and returns its pairs in
// canonical order with duplicates removed.
func (in *Interner) parseAlias(body string) ([]AliasPair, error) {
	parts, err := splitTopLevel(body, ',')
	if err != nil {
		return nil, err
	}
	pairs := make([]AliasPair, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty pair", ErrInvalidAlias)
		}
		idx := indexTopLevel(part, ':')
		if idx < 0 {
			return nil, fmt.Errorf("%w: missing ':' in %q", ErrInvalidAlias, part)
		}
		subStr := strings.TrimSpace(part[:idx])
		if subStr == "" {
			return nil, fmt.Errorf("%w: empty sub-path in %q", ErrInvalidAlias, part)
		}
		sub, err := in.Parse(subStr)
		if err != nil {
			return nil, err
		}
		value, err := decodeAliasValue(strings.TrimSpace(part[idx+1:]))
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, AliasPair{Path: sub, Value: value})
	}

	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i].Path.String(), pairs[j].Path.String()
		if a != b {
			return a < b
		}
		return pairs[i].Value < pairs[j].Value
	})
	out := pairs[:0]
	for i, pair := range pairs {
		if i > 0 && pair.Path == pairs[i-1].Path && pair.Value == pairs[i-1].Value {
			continue
		}
		out = append(out, pair)
	}
	return out, nil
}

// splitTopLevel splits s on sep outside brackets and quotes.
func splitTopLevel(s string, sep byte) ([]string, error) {
	var parts []string
	start, depth := 0, 0
	inQuote, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			inQuote = true
		case '[':
			depth++
		case ']':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if inQuote {
		return nil, ErrUnterminatedQuote
	}
	return append(parts, s[start:]), nil
}

// indexTopLevel returns the index of the first c outside brackets and
// quotes, or -1.
func indexTopLevel(s string, c byte) int {
	depth := 0
	inQuote, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inQuote = false
			}
			continue
		}
		switch ch {
		case '"':
			inQuote = true
		case '[':
			depth++
		case ']':
			depth--
		case c:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decodeAliasValue(tok string) (string, error) {
	if tok == "" || tok[0] != '"' {
		return tok, nil
	}
	var v string
	dec := json.NewDecoder(strings.NewReader(tok))
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnterminatedQuote, tok)
	}
	if dec.InputOffset() != int64(len(tok)) {
		return "", fmt.Errorf("%w: trailing text after quoted value %q", ErrInvalidAlias, tok)
	}
	return v, nil
}

// encodeAliasValue renders v bare when the parser would read it back
// unchanged, and JSON-quoted otherwise.
func encodeAliasValue(v string) string {
	if v != "" && strings.TrimSpace(v) == v && !strings.ContainsAny(v, `,[]"\`) {
		return v
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	//nolint:errcheck // Encoding a string cannot fail
	enc.Encode(v)
	return strings.TrimSuffix(buf.String(), "\n")
}

func validateLiteral(name string) error {
	if name == "" {
		return ErrEmptySegment
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q in %q", ErrIllegalCharacter, c, name)
		}
	}
	return nil
}

// QuoteAliasValue renders v as it would appear inside an alias group,
// quoting it when needed. Use it to build alias paths from arbitrary
// strings.
func QuoteAliasValue(v string) string {
	return encodeAliasValue(v)
}
