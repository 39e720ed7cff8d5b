package sdns

import (
	"strings"

	"github.com/miekg/dns"
)

// Record types surfaced by the public API. Query accepts any 16-bit type.
const (
	TypeA     = dns.TypeA
	TypeAAAA  = dns.TypeAAAA
	TypeCNAME = dns.TypeCNAME
	TypeDNAME = dns.TypeDNAME
	TypeALL   = dns.TypeANY
)

// Answer is a single record returned to the caller. Data holds the
// record's canonical string form: a dotted-quad for A, IPv6 text for
// AAAA, or a domain name without the trailing dot.
type Answer struct {
	Data string
	Type uint16
	TTL  uint32

	// Permanent marks synthetic answers (IP literals and hosts-table
	// entries) that do not expire.
	Permanent bool
}

// resultSet maps record types to their answers, preserving the order in
// which types first appeared in the upstream response.
type resultSet struct {
	answers map[uint16][]Answer
	order   []uint16
}

func newResultSet() *resultSet {
	return &resultSet{answers: make(map[uint16][]Answer)}
}

func (rs *resultSet) add(a Answer) {
	if _, ok := rs.answers[a.Type]; !ok {
		rs.order = append(rs.order, a.Type)
	}
	rs.answers[a.Type] = append(rs.answers[a.Type], a)
}

func (rs *resultSet) addAll(t uint16, answers []Answer) {
	for _, a := range answers {
		a.Type = t
		rs.add(a)
	}
}

func (rs *resultSet) get(t uint16) []Answer {
	return rs.answers[t]
}

func (rs *resultSet) empty() bool {
	return len(rs.answers) == 0
}

// merge appends the answers of another set, skipping exact duplicates.
// Aliases returned along with both an A and an AAAA query would
// otherwise appear twice.
func (rs *resultSet) merge(other *resultSet) {
	for _, t := range other.order {
		for _, a := range other.answers[t] {
			if !rs.contains(a) {
				rs.add(a)
			}
		}
	}
}

func (rs *resultSet) contains(a Answer) bool {
	for _, b := range rs.answers[a.Type] {
		if b == a {
			return true
		}
	}
	return false
}

// flatten returns the answers as one sequence, walking the requested
// types in their original order and appending answers of any other type
// the server included (typically CNAMEs sent along with A records) last.
func (rs *resultSet) flatten(requested []uint16) []Answer {
	var out []Answer
	seen := make(map[uint16]bool, len(requested))
	for _, t := range requested {
		seen[t] = true
		out = append(out, rs.answers[t]...)
	}
	for _, t := range rs.order {
		if !seen[t] {
			out = append(out, rs.answers[t]...)
		}
	}
	return out
}

// answerFromRR converts a decoded resource record into an Answer.
func answerFromRR(rr dns.RR) Answer {
	hdr := rr.Header()
	a := Answer{Type: hdr.Rrtype, TTL: hdr.Ttl}
	switch r := rr.(type) {
	case *dns.A:
		a.Data = r.A.String()
	case *dns.AAAA:
		a.Data = r.AAAA.String()
	case *dns.CNAME:
		a.Data = strings.TrimSuffix(r.Target, ".")
	case *dns.DNAME:
		a.Data = strings.TrimSuffix(r.Target, ".")
	case *dns.PTR:
		a.Data = strings.TrimSuffix(r.Ptr, ".")
	case *dns.NS:
		a.Data = strings.TrimSuffix(r.Ns, ".")
	case *dns.TXT:
		a.Data = strings.Join(r.Txt, "")
	default:
		// The string form of an RR is the header followed by the
		// rdata, keep the rdata portion.
		s := rr.String()
		if i := strings.LastIndex(s, "\t"); i >= 0 {
			a.Data = s[i+1:]
		} else {
			a.Data = s
		}
	}
	return a
}
