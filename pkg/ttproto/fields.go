package ttproto

import (
	"strconv"
	"strings"
)

// Field is a single key=value pair from a protocol line
type Field struct {
	Value  string
	Quoted bool // true for key="value", false for key=value
}

// Fields holds the parameters of a line. Duplicate keys keep the last occurrence.
type Fields map[string]Field

// ParseLine splits a protocol line into its verb and parameters.
//
// Quoted values are the literal run of characters up to the next double quote;
// no escape sequences are interpreted. Bare values run to the next space.
// Tokens without '=' are skipped, as is a quoted value missing its closing quote.
func ParseLine(line string) (string, Fields) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimLeft(line, " \t")

	verbEnd := strings.IndexAny(line, " \t")
	if verbEnd < 0 {
		return line, Fields{}
	}
	verb := line[:verbEnd]
	fields := Fields{}

	rest := line[verbEnd:]
	i := 0
	for i < len(rest) {
		// Skip separators
		for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
			i++
		}
		if i >= len(rest) {
			break
		}

		keyStart := i
		for i < len(rest) && rest[i] != '=' && rest[i] != ' ' && rest[i] != '\t' {
			i++
		}
		key := rest[keyStart:i]
		if i >= len(rest) || rest[i] != '=' {
			continue
		}
		i++ // '='

		if i < len(rest) && rest[i] == '"' {
			i++
			valStart := i
			for i < len(rest) && rest[i] != '"' {
				i++
			}
			if i >= len(rest) {
				// Unterminated quote, drop the field
				break
			}
			value := rest[valStart:i]
			i++ // closing quote
			if key != "" {
				fields[key] = Field{Value: value, Quoted: true}
			}
			continue
		}

		valStart := i
		for i < len(rest) && rest[i] != ' ' && rest[i] != '\t' {
			i++
		}
		if key != "" {
			fields[key] = Field{Value: rest[valStart:i]}
		}
	}

	return verb, fields
}

// Str returns the value of a quoted field, or def when the field is absent or bare.
func (f Fields) Str(key, def string) string {
	field, ok := f[key]
	if !ok || !field.Quoted {
		return def
	}
	return field.Value
}

// Int returns the value of a bare numeric field.
func (f Fields) Int(key string) (int, bool) {
	field, ok := f[key]
	if !ok || field.Quoted || field.Value == "" {
		return 0, false
	}
	for i := 0; i < len(field.Value); i++ {
		if c := field.Value[i]; c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(field.Value)
	if err != nil {
		return 0, false
	}
	return n, true
}
