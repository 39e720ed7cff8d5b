package sdns

import "github.com/miekg/dns"

// newQuery builds a recursion-desired query for one question. The
// question class is implicitly IN.
func newQuery(id uint16, name string, qtype uint16) *dns.Msg {
	q := new(dns.Msg)
	q.Id = id
	q.RecursionDesired = true
	q.Question = []dns.Question{{
		Name:   dns.Fqdn(name),
		Qtype:  qtype,
		Qclass: dns.ClassINET,
	}}
	return q
}

// Return the query name from a DNS message.
func qName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}
