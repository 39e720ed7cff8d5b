package sdns

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

// TTL for cache entries that record a proven absence of records, per
// RFC 2308 section 7.1.
const negativeTTL = 300 * time.Second

// CacheBackend is the key/value store consulted before upstream queries
// and populated with every completed answer. Negative entries are
// ordinary Set calls with an empty answer list.
//
// Get must distinguish a stored empty list (negative entry) from an
// absent key. Implementations are responsible for expiring entries after
// their TTL and for adjusting the TTLs of returned answers by the time
// spent in the cache.
type CacheBackend interface {
	Get(key string) ([]Answer, bool)
	Set(key string, answers []Answer, ttl time.Duration)
	Close() error
}

// cacheKey builds the key for one (name, type) pair.
func cacheKey(name string, qtype uint16) string {
	return strings.ToLower(name) + "#" + dns.Type(qtype).String()
}

// cacheRecord is the stored form of an answer list. The timestamp is
// kept so the TTLs can be aged on retrieval.
type cacheRecord struct {
	Timestamp time.Time
	Expiry    time.Time
	Answers   []Answer
}

// agedAnswers returns the stored answers with their TTLs reduced by the
// time the record spent in the cache, or false if any answer's TTL has
// run out. Permanent answers and negative entries are returned as-is.
func (r *cacheRecord) agedAnswers() ([]Answer, bool) {
	age := uint32(time.Since(r.Timestamp).Seconds())
	out := make([]Answer, 0, len(r.Answers))
	for _, a := range r.Answers {
		if !a.Permanent {
			if age >= a.TTL {
				return nil, false
			}
			a.TTL -= age
		}
		out = append(out, a)
	}
	return out, true
}

// minPositiveTTL returns the smallest positive TTL among the answers as
// a duration, or the negative-cache TTL if none carries one.
func minPositiveTTL(answers []Answer) time.Duration {
	var min uint32
	for _, a := range answers {
		if a.TTL == 0 {
			continue
		}
		if min == 0 || a.TTL < min {
			min = a.TTL
		}
	}
	if min == 0 {
		return negativeTTL
	}
	return time.Duration(min) * time.Second
}
