package resolve

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/pingsantohq/dlspeed/internal/clock"
)

type dnsServer struct {
	addr    string
	queries atomic.Int32
}

// startDNS serves A records for mirror.test. and NXDOMAIN for everything else.
func startDNS(t *testing.T, ip string, ttl uint32) *dnsServer {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	ds := &dnsServer{addr: pc.LocalAddr().String()}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			ds.queries.Add(1)
			resp := new(dns.Msg)
			resp.SetReply(req)
			q := req.Question[0]
			switch {
			case q.Name != "mirror.test.":
				resp.Rcode = dns.RcodeNameError
			case q.Qtype == dns.TypeA:
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
					A:   net.ParseIP(ip),
				})
			}
			_ = w.WriteMsg(resp)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	<-started
	return ds
}

func TestLookupHostCachesUntilTTL(t *testing.T) {
	ds := startDNS(t, "192.0.2.10", 60)
	mock := clock.NewMock()
	r, err := New([]string{ds.addr}, 8, WithClock(mock))
	require.NoError(t, err)

	addrs, err := r.LookupHost(context.Background(), "mirror.test")
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.10"}, addrs)
	// One A and one AAAA query.
	require.EqualValues(t, 2, ds.queries.Load())

	mock.Add(59 * time.Second)
	_, err = r.LookupHost(context.Background(), "MIRROR.test.")
	require.NoError(t, err)
	require.EqualValues(t, 2, ds.queries.Load())

	mock.Add(2 * time.Second)
	_, err = r.LookupHost(context.Background(), "mirror.test")
	require.NoError(t, err)
	require.EqualValues(t, 4, ds.queries.Load())
}

func TestLookupHostNXDOMAIN(t *testing.T) {
	ds := startDNS(t, "192.0.2.10", 60)
	r, err := New([]string{ds.addr}, 8)
	require.NoError(t, err)

	_, err = r.LookupHost(context.Background(), "missing.test")
	require.Error(t, err)
	require.Contains(t, err.Error(), "NXDOMAIN")
}

func TestLookupHostFallsThroughServers(t *testing.T) {
	ds := startDNS(t, "192.0.2.20", 60)
	// Nothing listens on the first server; a short timeout moves on quickly.
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	require.NoError(t, dead.Close())

	r, err := New([]string{deadAddr, ds.addr}, 8, WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	addrs, err := r.LookupHost(context.Background(), "mirror.test")
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.20"}, addrs)
}

func TestLookupHostIPLiteral(t *testing.T) {
	r, err := New(nil, 0)
	require.NoError(t, err)
	require.True(t, r.SystemOnly())

	addrs, err := r.LookupHost(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	require.Equal(t, []string{"203.0.113.5"}, addrs)
}

func TestNewNormalisesServers(t *testing.T) {
	r, err := New([]string{"192.0.2.53", "[2001:db8::53]:5353", "System"}, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.53:53", "[2001:db8::53]:5353", System}, r.servers)
	require.False(t, r.SystemOnly())

	_, err = New([]string{" "}, 0)
	require.Error(t, err)
}

func TestDialContextUsesResolvedAddress(t *testing.T) {
	ds := startDNS(t, "127.0.0.1", 60)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Host)
	}))
	defer srv.Close()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	r, err := New([]string{ds.addr}, 8)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{DialContext: r.DialContext}}

	resp, err := client.Get("http://mirror.test:" + port + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "mirror.test:"+port, string(body))
}
