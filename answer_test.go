package sdns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestResultSetFlatten(t *testing.T) {
	rs := newResultSet()
	rs.add(Answer{Data: "alias.example", Type: dns.TypeCNAME, TTL: 300})
	rs.add(Answer{Data: "10.0.0.1", Type: dns.TypeA, TTL: 60})
	rs.add(Answer{Data: "::1", Type: dns.TypeAAAA, TTL: 60})
	rs.add(Answer{Data: "10.0.0.2", Type: dns.TypeA, TTL: 60})

	// Requested types lead in their original order, everything else
	// follows.
	out := rs.flatten([]uint16{dns.TypeAAAA, dns.TypeA})
	require.Equal(t, []string{"::1", "10.0.0.1", "10.0.0.2", "alias.example"}, datas(out))
	require.Equal(t, uint16(dns.TypeCNAME), out[3].Type)
}

func TestResultSetMerge(t *testing.T) {
	a := newResultSet()
	a.add(Answer{Data: "alias.example", Type: dns.TypeCNAME, TTL: 300})
	a.add(Answer{Data: "10.0.0.1", Type: dns.TypeA, TTL: 60})

	b := newResultSet()
	b.add(Answer{Data: "alias.example", Type: dns.TypeCNAME, TTL: 300})
	b.add(Answer{Data: "::1", Type: dns.TypeAAAA, TTL: 60})

	a.merge(b)
	out := a.flatten([]uint16{dns.TypeA, dns.TypeAAAA})
	require.Equal(t, []string{"10.0.0.1", "::1", "alias.example"}, datas(out))
}

func TestAnswerFromRR(t *testing.T) {
	rr, err := dns.NewRR("example.com. 3600 IN A 192.0.2.1")
	require.NoError(t, err)
	a := answerFromRR(rr)
	require.Equal(t, Answer{Data: "192.0.2.1", Type: dns.TypeA, TTL: 3600}, a)

	rr, err = dns.NewRR("example.com. 600 IN AAAA 2001:db8::1")
	require.NoError(t, err)
	a = answerFromRR(rr)
	require.Equal(t, Answer{Data: "2001:db8::1", Type: dns.TypeAAAA, TTL: 600}, a)

	rr, err = dns.NewRR("www.example.com. 300 IN CNAME example.com.")
	require.NoError(t, err)
	a = answerFromRR(rr)
	require.Equal(t, Answer{Data: "example.com", Type: dns.TypeCNAME, TTL: 300}, a)
}

func datas(answers []Answer) []string {
	out := make([]string, len(answers))
	for i, a := range answers {
		out[i] = a.Data
	}
	return out
}
