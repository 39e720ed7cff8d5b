package sdns

import (
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// inflightLookup is a lookup that is currently being answered. Late
// joiners wait on done and share the settled result.
type inflightLookup struct {
	answers []Answer
	err     error
	done    chan struct{}
}

// dedupKey builds the coalescing key from the lowercased name and the
// sorted requested types.
func dedupKey(name string, types []uint16) string {
	sorted := make([]uint16, len(types))
	copy(sorted, types)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, t := range sorted {
		parts[i] = dns.Type(t).String()
	}
	return strings.ToLower(name) + "#" + strings.Join(parts, "/")
}

// coalesce runs fn unless an identical lookup is already in flight, in
// which case the existing result is shared. At most one upstream
// exchange is issued per key while any is in flight.
func (r *Resolver) coalesce(key string, fn func() ([]Answer, error)) ([]Answer, error) {
	r.dmu.Lock()
	lookup, running := r.inflight[key]
	if !running {
		lookup = &inflightLookup{done: make(chan struct{})}
		r.inflight[key] = lookup
	}
	r.dmu.Unlock()

	if running {
		Log.WithField("key", key).Debug("duplicate lookup, waiting for first answer")
		<-lookup.done
		return copyAnswers(lookup.answers), lookup.err
	}

	answers, err := fn()
	lookup.answers = answers
	lookup.err = err
	close(lookup.done)

	r.dmu.Lock()
	delete(r.inflight, key)
	r.dmu.Unlock()

	return copyAnswers(answers), err
}

// Hand each caller its own slice, results may be modified downstream.
func copyAnswers(answers []Answer) []Answer {
	if answers == nil {
		return nil
	}
	out := make([]Answer, len(answers))
	copy(out, answers)
	return out
}
