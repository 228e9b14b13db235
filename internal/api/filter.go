package api

import (
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/burpheart/httpsift/pkg/types"
)

// Filter selects the events a subscriber receives. The zero Filter
// accepts everything.
type Filter struct {
	Types     []string
	Host      string
	Flags     types.Flags // at least one of these must be raised
	Anomalies bool        // only events carrying some flag
}

// Match reports whether ev passes f.
func (f *Filter) Match(ev *Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, ev.Type) {
		return false
	}
	if f.Host != "" && !strings.EqualFold(f.Host, ev.Host) {
		return false
	}
	if f.Anomalies && ev.Flags == 0 {
		return false
	}
	return f.Flags == 0 || ev.Flags.Has(f.Flags)
}

// FilterSpec is the wire form of a Filter, sent by clients as a JSON
// message or given as query parameters of /ws/records.
type FilterSpec struct {
	Types     []string `json:"types,omitempty"`
	Host      string   `json:"host,omitempty"`
	Flags     string   `json:"flags,omitempty"` // names or numbers joined by '|' or ','
	Anomalies bool     `json:"anomalies,omitempty"`
}

// Compile resolves the flag names of s.
func (s FilterSpec) Compile() (Filter, error) {
	f := Filter{Host: s.Host, Anomalies: s.Anomalies}
	for _, t := range s.Types {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, strings.ToLower(t))
		}
	}
	for _, name := range strings.FieldsFunc(s.Flags, func(r rune) bool { return r == '|' || r == ',' }) {
		fl, ok := types.ParseFlagName(name)
		if !ok {
			return Filter{}, errors.Errorf("unknown flag %q", name)
		}
		f.Flags |= fl
	}
	return f, nil
}

// filterFromQuery reads ?type=, ?host=, ?flags= and ?anomalies=.
func filterFromQuery(q url.Values) (Filter, error) {
	spec := FilterSpec{
		Host:  q.Get("host"),
		Flags: q.Get("flags"),
	}
	for _, v := range q["type"] {
		spec.Types = append(spec.Types, strings.Split(v, ",")...)
	}
	if v := q.Get("anomalies"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return Filter{}, errors.Wrap(err, "anomalies")
		}
		spec.Anomalies = on
	}
	return spec.Compile()
}
