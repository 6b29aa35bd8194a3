package errkind

import "strings"

// Table maps venue error codes and messages to kinds. Exact entries are
// checked against the code and then the full message; broad entries are
// substrings of the message, checked in declaration order.
type Table struct {
	Exact map[string]Kind
	Broad []BroadRule
}

// BroadRule is a substring match for Table.
type BroadRule struct {
	Contains string
	Kind     Kind
}

// Lookup returns the kind for code/message, falling back to ExchangeError.
func (t *Table) Lookup(code, message string) Kind {
	if t == nil {
		return ExchangeError
	}
	if code != "" {
		if k, ok := t.Exact[code]; ok {
			return k
		}
	}
	if message != "" {
		if k, ok := t.Exact[message]; ok {
			return k
		}
		lower := strings.ToLower(message)
		for _, rule := range t.Broad {
			if strings.Contains(lower, strings.ToLower(rule.Contains)) {
				return rule.Kind
			}
		}
	}
	return ExchangeError
}

// Map converts a venue error into an *Error with the looked up kind.
func (t *Table) Map(venue, code, message string) *Error {
	kind := t.Lookup(code, message)
	msg := message
	if venue != "" {
		msg = venue + " " + message
	}
	return &Error{Kind: kind, Code: code, Message: strings.TrimSpace(msg)}
}
