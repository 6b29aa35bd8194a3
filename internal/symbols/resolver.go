package symbols

import (
	"sort"
	"strings"

	"cryptostream/errkind"
)

// Resolver maps the configured symbols of one venue between their unified
// and venue forms.
type Resolver struct {
	venue    string
	byID     map[string]string
	bySymbol map[string]string
}

func NewResolver(venue string, symbols []string) *Resolver {
	r := &Resolver{
		venue:    venue,
		byID:     make(map[string]string, len(symbols)),
		bySymbol: make(map[string]string, len(symbols)),
	}
	for _, s := range symbols {
		unified := ToUnified(venue, s)
		id := ToVenue(venue, unified)
		r.byID[id] = unified
		r.bySymbol[unified] = id
	}
	return r
}

// MarketID returns the venue id of a configured symbol. Symbols may be
// given in unified or venue form.
func (r *Resolver) MarketID(symbol string) (string, error) {
	if id, ok := r.bySymbol[strings.ToUpper(symbol)]; ok {
		return id, nil
	}
	if _, ok := r.byID[strings.ToUpper(symbol)]; ok {
		return strings.ToUpper(symbol), nil
	}
	return "", errkind.New(errkind.BadSymbol, "%s does not list %s", r.venue, symbol)
}

// Symbol returns the unified symbol for a venue id, converting ids that were
// not configured.
func (r *Resolver) Symbol(id string) string {
	if s, ok := r.byID[strings.ToUpper(id)]; ok {
		return s
	}
	return ToUnified(r.venue, id)
}

// Symbols returns the configured unified symbols, sorted.
func (r *Resolver) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
