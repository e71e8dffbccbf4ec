package driver

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/seantiz/querygate/internal/model"
)

var returningClause = regexp.MustCompile(`(?i)\bRETURNING\b`)

// SplitStatements splits SQL text on top-level semicolons. Quoted strings,
// quoted identifiers, dollar-quoted bodies and comments are skipped, so a
// semicolon inside any of them does not end a statement. Statements that
// contain only whitespace or comments are dropped. Backslash escapes inside
// single-quoted strings are honoured for the mysql dialect only.
func SplitStatements(src, dialect string) ([]string, error) {
	backslash := dialect == model.DialectMySQL
	var stmts []string
	start := 0
	meaningful := false

	flush := func(end int) {
		if meaningful {
			stmts = append(stmts, strings.TrimSpace(src[start:end]))
		}
		start = end + 1
		meaningful = false
	}

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end, err := skipQuoted(src, i, c, backslash)
			if err != nil {
				return nil, err
			}
			meaningful = true
			i = end

		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			i = skipLine(src, i)

		case c == '#' && !meaningful && lineStart(src, start, i):
			i = skipLine(src, i)

		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated block comment at offset %d", i)
			}
			i += end + 4

		case c == '$':
			if tag, ok := dollarTag(src, i); ok {
				end := strings.Index(src[i+len(tag):], tag)
				if end < 0 {
					return nil, fmt.Errorf("unterminated dollar-quoted string at offset %d", i)
				}
				meaningful = true
				i += 2*len(tag) + end
				continue
			}
			meaningful = true
			i++

		case c == ';':
			flush(i)
			i++

		default:
			if !unicode.IsSpace(rune(c)) {
				meaningful = true
			}
			i++
		}
	}
	if start < len(src) {
		flush(len(src))
	}
	return stmts, nil
}

// skipQuoted returns the offset just past the closing quote. A doubled quote
// character is an escaped quote.
func skipQuoted(src string, i int, q byte, backslash bool) (int, error) {
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			if backslash && q == '\'' {
				j++
			}
		case q:
			if j+1 < len(src) && src[j+1] == q {
				j++
				continue
			}
			return j + 1, nil
		}
	}
	return 0, fmt.Errorf("unterminated quoted string at offset %d", i)
}

func skipLine(src string, i int) int {
	if nl := strings.IndexByte(src[i:], '\n'); nl >= 0 {
		return i + nl + 1
	}
	return len(src)
}

// lineStart reports whether only whitespace precedes offset i on its line.
func lineStart(src string, from, i int) bool {
	for j := i - 1; j >= from; j-- {
		if src[j] == '\n' {
			return true
		}
		if !unicode.IsSpace(rune(src[j])) {
			return false
		}
	}
	return true
}

// dollarTag recognises a postgres dollar-quote opener such as $$ or $body$.
func dollarTag(src string, i int) (string, bool) {
	for j := i + 1; j < len(src); j++ {
		c := src[j]
		if c == '$' {
			return src[i : j+1], true
		}
		if !(c == '_' || unicode.IsLetter(rune(c)) || (j > i+1 && unicode.IsDigit(rune(c)))) {
			return "", false
		}
	}
	return "", false
}

// returnsRows reports whether a statement is expected to produce a result set.
func returnsRows(stmt, dialect string) bool {
	fields := strings.Fields(stripLeadingComments(stmt))
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(strings.TrimLeft(fields[0], "(")) {
	case "SELECT", "WITH", "SHOW", "EXPLAIN", "VALUES", "TABLE", "DESCRIBE", "DESC":
		return true
	}
	return returningClause.MatchString(blankQuoted(stmt, dialect))
}

// blankQuoted replaces quoted strings, quoted identifiers, dollar-quoted
// bodies and comments with a single space, leaving only statement text.
func blankQuoted(stmt, dialect string) string {
	isMySQL := dialect == model.DialectMySQL
	var b strings.Builder
	b.Grow(len(stmt))

	for i := 0; i < len(stmt); {
		c := stmt[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end, err := skipQuoted(stmt, i, c, isMySQL)
			if err != nil {
				return b.String()
			}
			b.WriteByte(' ')
			i = end

		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-',
			c == '#' && isMySQL:
			b.WriteByte(' ')
			i = skipLine(stmt, i)

		case c == '/' && i+1 < len(stmt) && stmt[i+1] == '*':
			end := strings.Index(stmt[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			b.WriteByte(' ')
			i += end + 4

		case c == '$':
			if tag, ok := dollarTag(stmt, i); ok {
				end := strings.Index(stmt[i+len(tag):], tag)
				if end < 0 {
					return b.String()
				}
				b.WriteByte(' ')
				i += 2*len(tag) + end
				continue
			}
			b.WriteByte(c)
			i++

		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func stripLeadingComments(stmt string) string {
	for {
		stmt = strings.TrimSpace(stmt)
		switch {
		case strings.HasPrefix(stmt, "--"):
			stmt = stmt[skipLine(stmt, 0):]
		case strings.HasPrefix(stmt, "/*"):
			end := strings.Index(stmt, "*/")
			if end < 0 {
				return ""
			}
			stmt = stmt[end+2:]
		default:
			return stmt
		}
	}
}
