package driver

import (
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/seantiz/querygate/internal/model"
)

// DocQuery is a parsed document-store payload: exactly one of Command,
// MethodCall or Invalid.
type DocQuery interface {
	docQuery()
}

// Command is an explicit command document, sent with runCommand.
type Command struct {
	Doc bson.D
}

// MethodCall is db.<collection>.<method>(<args>), optionally followed by
// cursor modifiers when the method is find.
type MethodCall struct {
	Collection string
	Method     string
	Args       []bson.RawValue
	Cursor     Cursor
}

// Cursor holds the chained .sort(), .skip() and .limit() of a find. Zero
// values mean the modifier was not given.
type Cursor struct {
	Sort  bson.D
	Skip  int64
	Limit int64
}

// Invalid records why a payload matched no supported form.
type Invalid struct {
	Reason string
}

func (Command) docQuery()    {}
func (MethodCall) docQuery() {}
func (Invalid) docQuery()    {}

var (
	methodCallPattern = regexp.MustCompile(`^db\.([A-Za-z_][\w-]*(?:\.[A-Za-z_][\w-]*)*)\.([A-Za-z]+)\(`)
	modifierPattern   = regexp.MustCompile(`^\s*\.([A-Za-z]+)\(`)
	runCommandPattern = regexp.MustCompile(`^db\.runCommand\(([\s\S]*)\)$`)
)

// argRule is the accepted argument count range and the BSON type of each
// positional argument.
type argRule struct {
	min, max int
	types    []bsontype.Type
}

var (
	docArg   = bson.TypeEmbeddedDocument
	arrayArg = bson.TypeArray
)

var methodRules = map[string]argRule{
	"find":           {0, 2, []bsontype.Type{docArg, docArg}},
	"findOne":        {0, 2, []bsontype.Type{docArg, docArg}},
	"insertOne":      {1, 1, []bsontype.Type{docArg}},
	"insertMany":     {1, 1, []bsontype.Type{arrayArg}},
	"updateOne":      {2, 2, []bsontype.Type{docArg, docArg}},
	"updateMany":     {2, 2, []bsontype.Type{docArg, docArg}},
	"deleteOne":      {1, 1, []bsontype.Type{docArg}},
	"deleteMany":     {1, 1, []bsontype.Type{docArg}},
	"countDocuments": {0, 1, []bsontype.Type{docArg}},
	"aggregate":      {1, 1, []bsontype.Type{arrayArg}},
	"distinct":       {1, 2, []bsontype.Type{bson.TypeString, docArg}},
}

// ParseDocQuery classifies a single document-store payload. Arguments are
// relaxed Extended JSON.
func ParseDocQuery(payload string) DocQuery {
	src := strings.TrimSuffix(strings.TrimSpace(payload), ";")
	src = strings.TrimSpace(src)
	if src == "" {
		return Invalid{Reason: "empty payload"}
	}

	if strings.HasPrefix(src, "{") {
		return parseCommand(src)
	}
	if m := runCommandPattern.FindStringSubmatch(src); m != nil {
		return parseCommand(strings.TrimSpace(m[1]))
	}

	m := methodCallPattern.FindStringSubmatch(src)
	if m == nil {
		return Invalid{Reason: "expected db.<collection>.<method>(<args>) or a command document"}
	}
	collection, method := m[1], m[2]

	open := len(m[0]) - 1
	end, err := closingParen(src, open)
	if err != nil {
		return Invalid{Reason: fmt.Sprintf("%s: %v", method, err)}
	}
	rawArgs := strings.TrimSpace(src[open+1 : end])

	rule, ok := methodRules[method]
	if !ok {
		return Invalid{Reason: fmt.Sprintf("unsupported method %q", method)}
	}

	args, err := parseArgs(rawArgs)
	if err != nil {
		return Invalid{Reason: fmt.Sprintf("%s arguments: %v", method, err)}
	}
	if len(args) < rule.min || len(args) > rule.max {
		return Invalid{Reason: fmt.Sprintf("%s takes %d to %d arguments, got %d", method, rule.min, rule.max, len(args))}
	}
	for i, a := range args {
		if a.Type != rule.types[i] {
			return Invalid{Reason: fmt.Sprintf("%s argument %d must be %s, got %s", method, i+1, rule.types[i], a.Type)}
		}
	}
	if method == "insertMany" || method == "aggregate" {
		if err := requireDocArray(args[0]); err != nil {
			return Invalid{Reason: fmt.Sprintf("%s: %v", method, err)}
		}
	}

	call := MethodCall{Collection: collection, Method: method, Args: args}
	if rest := src[end+1:]; strings.TrimSpace(rest) != "" {
		if method != "find" {
			return Invalid{Reason: fmt.Sprintf("%s does not return a cursor; unexpected %q", method, strings.TrimSpace(rest))}
		}
		cur, err := parseCursor(rest)
		if err != nil {
			return Invalid{Reason: fmt.Sprintf("find cursor: %v", err)}
		}
		call.Cursor = cur
	}
	return call
}

// parseCursor reads a chain of .sort(doc), .skip(n), .limit(n) and
// .toArray(). Each modifier may appear once.
func parseCursor(src string) (Cursor, error) {
	var cur Cursor
	seen := make(map[string]bool)

	for strings.TrimSpace(src) != "" {
		m := modifierPattern.FindStringSubmatch(src)
		if m == nil {
			return Cursor{}, fmt.Errorf("expected .<modifier>(...), got %q", strings.TrimSpace(src))
		}
		name := m[1]
		open := len(m[0]) - 1
		end, err := closingParen(src, open)
		if err != nil {
			return Cursor{}, fmt.Errorf("%s: %v", name, err)
		}
		raw := strings.TrimSpace(src[open+1 : end])
		src = src[end+1:]

		if seen[name] {
			return Cursor{}, fmt.Errorf("%s given more than once", name)
		}
		seen[name] = true

		if name == "toArray" {
			if raw != "" {
				return Cursor{}, fmt.Errorf("toArray takes no arguments")
			}
			continue
		}

		args, err := parseArgs(raw)
		if err != nil {
			return Cursor{}, fmt.Errorf("%s arguments: %v", name, err)
		}
		if len(args) != 1 {
			return Cursor{}, fmt.Errorf("%s takes 1 argument, got %d", name, len(args))
		}

		switch name {
		case "sort":
			if args[0].Type != docArg {
				return Cursor{}, fmt.Errorf("sort argument must be %s, got %s", docArg, args[0].Type)
			}
			var doc bson.D
			if err := bson.Unmarshal(args[0].Document(), &doc); err != nil {
				return Cursor{}, fmt.Errorf("sort: %v", err)
			}
			if len(doc) == 0 {
				return Cursor{}, fmt.Errorf("sort document is empty")
			}
			cur.Sort = doc
		case "skip", "limit":
			n, ok := nonNegativeInt(args[0])
			if !ok {
				return Cursor{}, fmt.Errorf("%s argument must be a non-negative integer", name)
			}
			if name == "skip" {
				cur.Skip = n
			} else {
				cur.Limit = n
			}
		default:
			return Cursor{}, fmt.Errorf("unsupported cursor modifier %q", name)
		}
	}
	return cur, nil
}

func nonNegativeInt(v bson.RawValue) (int64, bool) {
	var n int64
	switch v.Type {
	case bson.TypeInt32:
		n = int64(v.Int32())
	case bson.TypeInt64:
		n = v.Int64()
	default:
		return 0, false
	}
	return n, n >= 0
}

// closingParen returns the offset of the parenthesis that closes the one at
// open. Parentheses inside quoted strings are ignored.
func closingParen(src string, open int) (int, error) {
	depth := 0
	for i := open; i < len(src); i++ {
		switch c := src[i]; c {
		case '"', '\'':
			j := i + 1
			for ; j < len(src) && src[j] != c; j++ {
				if src[j] == '\\' {
					j++
				}
			}
			if j >= len(src) {
				return 0, fmt.Errorf("unterminated string at offset %d", i)
			}
			i = j
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced parentheses")
}

func parseCommand(src string) DocQuery {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(src), false, &doc); err != nil {
		return Invalid{Reason: fmt.Sprintf("command document: %v", err)}
	}
	if len(doc) == 0 {
		return Invalid{Reason: "command document is empty"}
	}
	return Command{Doc: doc}
}

// parseArgs decodes a comma-separated argument list by wrapping it in an
// array, which Extended JSON can parse as a whole.
func parseArgs(src string) ([]bson.RawValue, error) {
	if src == "" {
		return nil, nil
	}
	var wrapper bson.Raw
	if err := bson.UnmarshalExtJSON([]byte(`{"args":[`+src+`]}`), false, &wrapper); err != nil {
		return nil, err
	}
	elems, err := wrapper.Lookup("args").Array().Values()
	if err != nil {
		return nil, err
	}
	return elems, nil
}

func requireDocArray(v bson.RawValue) error {
	vals, err := v.Array().Values()
	if err != nil {
		return err
	}
	if len(vals) == 0 {
		return fmt.Errorf("array must not be empty")
	}
	for i, e := range vals {
		if e.Type != docArg {
			return fmt.Errorf("element %d must be a document", i)
		}
	}
	return nil
}

// parseDocPayload validates a payload of the given kind. Scripts hold one
// call per line; blank lines and // comments are ignored.
func parseDocPayload(kind model.PayloadKind, payload string) ([]DocQuery, error) {
	var lines []string
	switch kind {
	case model.PayloadInlineQuery:
		lines = []string{payload}
	case model.PayloadUploadedScript:
		for _, line := range strings.Split(payload, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "//") {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			return nil, fmt.Errorf("%w: script contains no calls", model.ErrMalformedQuery)
		}
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %q", model.ErrMalformedQuery, kind)
	}

	queries := make([]DocQuery, 0, len(lines))
	for i, line := range lines {
		q := ParseDocQuery(line)
		if inv, ok := q.(Invalid); ok {
			if kind == model.PayloadUploadedScript {
				return nil, fmt.Errorf("%w: call %d: %s", model.ErrMalformedQuery, i+1, inv.Reason)
			}
			return nil, fmt.Errorf("%w: %s", model.ErrMalformedQuery, inv.Reason)
		}
		queries = append(queries, q)
	}
	return queries, nil
}
