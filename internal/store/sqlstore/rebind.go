package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Rebind rewrites $n placeholders to positional ? markers and orders args
// to match. A placeholder used twice expands to two arguments. Quoted
// literals and identifiers are left untouched.
func Rebind(query string, args []any) (string, []any, error) {
	if !strings.Contains(query, "$") {
		return query, args, nil
	}

	var (
		b    strings.Builder
		out  = make([]any, 0, len(args))
		in   byte
		last = 0
	)
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if in != 0 {
			if c == in {
				in = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			in = c
			continue
		case '$':
		default:
			continue
		}

		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			continue
		}
		n, err := strconv.Atoi(query[i+1 : j])
		if err != nil || n < 1 || n > len(args) {
			return "", nil, fmt.Errorf("placeholder $%s has no argument", query[i+1:j])
		}
		b.WriteString(query[last:i])
		b.WriteByte('?')
		out = append(out, args[n-1])
		last = j
		i = j - 1
	}
	b.WriteString(query[last:])
	return b.String(), out, nil
}
