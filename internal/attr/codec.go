package attr

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Encode renders g into the scheduler's canonical typed-attribute
// encoding: one line per value, ASCII-safe, with binary/string payloads
// length-prefixed as described in spec §6 ("All values are ASCII-safe;
// binary attribute values are length-prefixed."). This is what control
// files (<spool>/cNNNNN) and the five .conf files store.
func Encode(g Group) []byte {
	var buf bytes.Buffer
	for _, a := range g.Attrs {
		for _, v := range a.Values {
			fmt.Fprintf(&buf, "%s %s %s\n", a.Name, v.Tag, encodeValue(v))
		}
	}
	return buf.Bytes()
}

func encodeValue(v Value) string {
	switch v.Tag {
	case TagInteger, TagEnum:
		return strconv.FormatInt(int64(v.Integer), 10)
	case TagBoolean:
		if v.Boolean {
			return "1"
		}
		return "0"
	case TagDateTime:
		return v.DateTime.UTC().Format(time.RFC3339)
	case TagResolution:
		return fmt.Sprintf("%dx%d/%d", v.Resolution.Cross, v.Resolution.Down, v.Resolution.Units)
	case TagRange:
		return fmt.Sprintf("%d-%d", v.Range.Lower, v.Range.Upper)
	case TagTextLang, TagNameLang:
		return lengthPrefixed(v.Lang.Lang) + lengthPrefixed(v.Lang.Text)
	case TagCollection:
		inner := Encode(Group{Attrs: v.Collection})
		return lengthPrefixed(string(inner))
	case TagNoValue:
		return "-"
	default: // String, Keyword, URI, Charset, Language, MimeType
		return lengthPrefixed(v.String)
	}
}

// lengthPrefixed quotes s with strconv.QuoteToASCII, so newlines and
// non-ASCII bytes never reach the line-based encoding, and prefixes the
// quoted form with its length.
func lengthPrefixed(s string) string {
	q := strconv.QuoteToASCII(s)
	return fmt.Sprintf("%d:%s", len(q), q)
}

// Decode parses bytes produced by Encode back into a Group. It is the
// inverse of Encode: Decode(Encode(g)) reproduces g attribute-for-
// attribute (the round-trip law required by spec §8), though attribute
// order within a repeated name is preserved rather than re-sorted.
func Decode(data []byte) (Group, error) {
	var g Group
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		name, tagStr, rest, err := splitLine(line)
		if err != nil {
			return Group{}, fmt.Errorf("attr: decode line %d: %w", lineNo, err)
		}
		tag, ok := tagByName[tagStr]
		if !ok {
			return Group{}, fmt.Errorf("attr: decode line %d: unknown tag %q", lineNo, tagStr)
		}
		v, err := decodeValue(tag, rest)
		if err != nil {
			return Group{}, fmt.Errorf("attr: decode line %d: %w", lineNo, err)
		}
		appendValue(&g, name, v)
	}
	if err := sc.Err(); err != nil {
		return Group{}, err
	}
	return g, nil
}

func appendValue(g *Group, name string, v Value) {
	for i := range g.Attrs {
		if g.Attrs[i].Name == name {
			g.Attrs[i].Values = append(g.Attrs[i].Values, v)
			return
		}
	}
	g.Attrs = append(g.Attrs, Attribute{Name: name, Values: []Value{v}})
}

var tagByName = func() map[string]Tag {
	m := make(map[string]Tag, len(tagNames))
	for t, n := range tagNames {
		m[n] = t
	}
	return m
}()

func splitLine(line string) (name, tag, rest string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed line %q", line)
	}
	return parts[0], parts[1], parts[2], nil
}

func decodeValue(tag Tag, rest string) (Value, error) {
	switch tag {
	case TagInteger:
		n, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return Value{}, err
		}
		return Integer(int32(n)), nil
	case TagEnum:
		n, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return Value{}, err
		}
		return Enum(int32(n)), nil
	case TagBoolean:
		return Boolean(rest == "1"), nil
	case TagDateTime:
		t, err := time.Parse(time.RFC3339, rest)
		if err != nil {
			return Value{}, err
		}
		return DateTime(t), nil
	case TagResolution:
		var cross, down, units int32
		if _, err := fmt.Sscanf(rest, "%dx%d/%d", &cross, &down, &units); err != nil {
			return Value{}, err
		}
		return ResolutionValue(cross, down, units), nil
	case TagRange:
		var lo, hi int32
		if _, err := fmt.Sscanf(rest, "%d-%d", &lo, &hi); err != nil {
			return Value{}, err
		}
		return RangeValue(lo, hi), nil
	case TagTextLang, TagNameLang:
		lang, rest2, err := readLengthPrefixed(rest)
		if err != nil {
			return Value{}, err
		}
		text, _, err := readLengthPrefixed(rest2)
		if err != nil {
			return Value{}, err
		}
		if tag == TagTextLang {
			return TextWithLang(lang, text), nil
		}
		return NameWithLang(lang, text), nil
	case TagCollection:
		inner, _, err := readLengthPrefixed(rest)
		if err != nil {
			return Value{}, err
		}
		sub, err := Decode([]byte(inner))
		if err != nil {
			return Value{}, err
		}
		return Collection(sub.Attrs...), nil
	case TagNoValue:
		return NoValue(), nil
	default:
		s, _, err := readLengthPrefixed(rest)
		if err != nil {
			return Value{}, err
		}
		return Value{Tag: tag, String: s}, nil
	}
}

func readLengthPrefixed(s string) (value, remainder string, err error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("malformed length-prefixed field %q", s)
	}
	n, err := strconv.Atoi(s[:idx])
	if err != nil {
		return "", "", err
	}
	body := s[idx+1:]
	if len(body) < n {
		return "", "", fmt.Errorf("length-prefixed field truncated: want %d, have %d", n, len(body))
	}
	v, err := strconv.Unquote(body[:n])
	if err != nil {
		return "", "", fmt.Errorf("malformed length-prefixed field %q: %w", body[:n], err)
	}
	return v, body[n:], nil
}
