package upstream

import "strings"

// SplitStatements splits SQL text into individual statements on semicolons,
// respecting single-quoted strings, double-quoted identifiers, and $$...$$
// bodies. Statements are trimmed and empty segments dropped.
func SplitStatements(sqlText string) []string {
	var statements []string
	var buf strings.Builder
	inSingle := false
	inDouble := false
	inDollar := false
	var prev byte

	for i := 0; i < len(sqlText); {
		ch := sqlText[i]
		var next byte
		if i+1 < len(sqlText) {
			next = sqlText[i+1]
		}

		if !inSingle && !inDouble && ch == '$' && next == '$' {
			inDollar = !inDollar
			buf.WriteByte(ch)
			buf.WriteByte(next)
			i += 2
			prev = 0
			continue
		}

		if ch == '\'' && !inDouble && prev != '\\' {
			if !inDollar {
				inSingle = !inSingle
			}
		} else if ch == '"' && !inSingle && prev != '\\' {
			if !inDollar {
				inDouble = !inDouble
			}
		}

		if ch == ';' && !inSingle && !inDouble && !inDollar {
			if stmt := strings.TrimSpace(buf.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			buf.Reset()
			i++
			continue
		}

		buf.WriteByte(ch)
		prev = ch
		i++
	}

	if tail := strings.TrimSpace(buf.String()); tail != "" {
		statements = append(statements, tail)
	}
	return statements
}
