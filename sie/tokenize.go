package sie

import (
	"errors"
	"strings"
)

var (
	errUnterminatedQuote = errors.New("unterminated quoted string")
	errUnterminatedList  = errors.New("unterminated object list")
	errNestedList        = errors.New("nested object list")
)

// field is one whitespace-separated item of a record line. A "{...}" object
// list becomes a single field with IsList set and its items in List.
type field struct {
	Text   string
	Quoted bool
	IsList bool
	List   []string
}

// tokenize splits one line into fields. Quoted strings may contain spaces
// and backslash escapes (\" and \\).
func tokenize(line string) ([]field, error) {
	var (
		fields []field
		inList bool
		list   []string
	)
	s := line
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}

		switch s[0] {
		case '{':
			if inList {
				return nil, errNestedList
			}
			inList, list = true, []string{}
			s = s[1:]
			continue
		case '}':
			if !inList {
				// A stray brace is kept as a plain field; the parser decides.
				fields = append(fields, field{Text: "}"})
				s = s[1:]
				continue
			}
			fields = append(fields, field{IsList: true, List: list})
			inList, list = false, nil
			s = s[1:]
			continue
		}

		var (
			text   string
			quoted bool
			err    error
		)
		if s[0] == '"' {
			text, s, err = readQuoted(s[1:])
			if err != nil {
				return nil, err
			}
			quoted = true
		} else {
			end := strings.IndexAny(s, " \t{}\"")
			if end < 0 {
				end = len(s)
			}
			if end == 0 {
				// Lone quote handled above; guard against loops.
				end = 1
			}
			text, s = s[:end], s[end:]
		}

		if inList {
			list = append(list, text)
		} else {
			fields = append(fields, field{Text: text, Quoted: quoted})
		}
	}
	if inList {
		return nil, errUnterminatedList
	}
	return fields, nil
}

// readQuoted reads up to the closing quote and returns the unescaped text
// and the remainder after the quote.
func readQuoted(s string) (string, string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\'):
			b.WriteByte(s[i+1])
			i++
		case c == '"':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", errUnterminatedQuote
}

// quote renders s as a quoted field.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
