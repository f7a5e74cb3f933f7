package hub

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/riftwave/adchub/adc"
)

// addrConn wraps a net.Pipe end with TCP-shaped addresses chosen by the
// test, since net.Pipe's own addresses don't parse as IPs and the hub's
// IP-validation logic needs real ones.
type addrConn struct {
	net.Conn
	local, remote *net.TCPAddr
}

func (c *addrConn) LocalAddr() net.Addr  { return c.local }
func (c *addrConn) RemoteAddr() net.Addr { return c.remote }

var testPortCounter = 40000

// testClient drives one end of a net.Pipe connection as if it were an ADC
// client: it can send raw lines and wait for the next line matching a
// prefix, skipping ones that don't.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newTestClient(t *testing.T, m *Manager, server ServerInfo) *testClient {
	t.Helper()
	return newTestClientAddr(t, m, server, "127.0.0.1", "127.0.0.1")
}

// newTestClientAddr is like newTestClient but lets a test pick the local
// (hub-side) and remote (peer) addresses, needed to exercise IPv6/HBRI
// paths where Conn.IsV6 and Conn.PeerIP matter.
func newTestClientAddr(t *testing.T, m *Manager, server ServerInfo, localIP, remoteIP string) *testClient {
	t.Helper()
	client, serverSide := net.Pipe()
	testPortCounter++
	wrapped := &addrConn{
		Conn:   serverSide,
		local:  &net.TCPAddr{IP: net.ParseIP(localIP), Port: server.Port},
		remote: &net.TCPAddr{IP: net.ParseIP(remoteIP), Port: testPortCounter},
	}
	m.Accept(wrapped, server)
	return &testClient{t: t, conn: client, r: bufio.NewReader(client)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

func (c *testClient) expect(prefix string) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Fatalf("waiting for %q: %v", prefix, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
}

func testConf() *Config {
	c := DefaultConfig()
	c.LogTimeout = 5 * time.Second
	c.HbriTimeout = 5 * time.Second
	return &c
}

func testServer() ServerInfo {
	return ServerInfo{Port: 2780, BindAddress4: "127.0.0.1", HubAddress6: "::1"}
}

func loginClient(t *testing.T, m *Manager, server ServerInfo, nick string) (*testClient, adc.SID) {
	t.Helper()
	c := newTestClient(t, m, server)

	c.send("HSUP ADBASE ADTIGR")
	c.expect("ISUP")
	sid := c.expect("ISID")
	fields := strings.Fields(sid)
	mySID, err := adc.ParseSID(fields[1])
	if err != nil {
		t.Fatalf("parsing own SID from %q: %v", sid, err)
	}
	c.expect("IINF")

	c.send("BINF " + mySID.String() + " ID" + fakeCID(nick).String() + " PD" + fakePID(nick).String() + " NI" + nick)
	c.expect("BINF " + mySID.String())
	return c, mySID
}

func fakePID(seed string) adc.PID {
	var p adc.PID
	for i := range p {
		p[i] = byte(len(seed) + i)
	}
	return p
}

func fakeCID(seed string) adc.CID {
	return fakePID(seed).Hash()
}

func TestManagerLoginHappyPath(t *testing.T) {
	m := NewManager(testConf(), nopLogger{})
	m.Start()
	defer m.Close()

	c, sid := loginClient(t, m, testServer(), "alice")
	if sid.IsZero() {
		t.Fatalf("expected a non-hub SID")
	}
	_ = c
}

func TestManagerNickTaken(t *testing.T) {
	m := NewManager(testConf(), nopLogger{})
	m.Start()
	defer m.Close()

	server := testServer()
	loginClient(t, m, server, "alice")

	c2 := newTestClient(t, m, server)
	c2.send("HSUP ADBASE ADTIGR")
	c2.expect("ISUP")
	sidLine := c2.expect("ISID")
	fields := strings.Fields(sidLine)
	mySID, _ := adc.ParseSID(fields[1])
	c2.expect("IINF")

	c2.send("BINF " + mySID.String() + " ID" + fakeCID("mallory").String() + " PD" + fakePID("mallory").String() + " NIalice")
	sta := c2.expect("ISTA")
	if !strings.Contains(sta, "222") {
		t.Fatalf("expected a fatal nick-taken status code (222), got %q", sta)
	}
}

func TestManagerDirectMessageRouting(t *testing.T) {
	m := NewManager(testConf(), nopLogger{})
	m.Start()
	defer m.Close()

	server := testServer()
	a, aSID := loginClient(t, m, server, "alice")
	b, bSID := loginClient(t, m, server, "bob")

	a.expect("BINF " + bSID.String())

	a.send("DMSG " + aSID.String() + " " + bSID.String() + " hello\\sbob")
	got := b.expect("DMSG " + aSID.String())
	if !strings.Contains(got, "hello\\sbob") {
		t.Fatalf("bob did not receive the direct message, got %q", got)
	}
}

func TestManagerEchoMessageRouting(t *testing.T) {
	m := NewManager(testConf(), nopLogger{})
	m.Start()
	defer m.Close()

	server := testServer()
	a, aSID := loginClient(t, m, server, "alice")
	b, bSID := loginClient(t, m, server, "bob")
	a.expect("BINF " + bSID.String())

	a.send("EMSG " + aSID.String() + " " + bSID.String() + " hi")
	if got := b.expect("EMSG " + aSID.String()); !strings.Contains(got, "hi") {
		t.Fatalf("bob did not receive the echoed message, got %q", got)
	}
	if got := a.expect("EMSG " + aSID.String()); !strings.Contains(got, "hi") {
		t.Fatalf("alice did not receive her own echo, got %q", got)
	}
}

func TestManagerBroadcastRouting(t *testing.T) {
	m := NewManager(testConf(), nopLogger{})
	m.Start()
	defer m.Close()

	server := testServer()
	a, aSID := loginClient(t, m, server, "alice")
	b, _ := loginClient(t, m, server, "bob")
	a.expect("BINF")

	a.send("BMSG " + aSID.String() + " hello\\severyone")
	got := b.expect("BMSG " + aSID.String())
	if !strings.Contains(got, "hello\\severyone") {
		t.Fatalf("bob did not receive the broadcast, got %q", got)
	}
}

func TestManagerRegisterBot(t *testing.T) {
	m := NewManager(testConf(), nopLogger{})
	m.Start()
	defer m.Close()

	server := testServer()
	a, _ := loginClient(t, m, server, "alice")

	bot, err := m.RegisterBot("roombot")
	if err != nil {
		t.Fatalf("RegisterBot: %v", err)
	}
	if bot.State() != StateNormal {
		t.Fatalf("expected a bot to land straight in NORMAL, got %s", bot.State())
	}
	if !bot.IsSet(FlagBot) {
		t.Fatalf("expected the BOT flag to be set")
	}
	got := a.expect("BINF " + bot.SID().String())
	if !strings.Contains(got, "NIroombot") {
		t.Fatalf("expected alice to see the bot's INF, got %q", got)
	}

	if _, err := m.RegisterBot("alice"); err == nil {
		t.Fatalf("expected registering a taken nick to fail")
	}

	m.UnregisterBot(bot)
	got = a.expect("IQUI " + bot.SID().String())
	if !strings.Contains(got, "DI1") {
		t.Fatalf("expected a disconnect quit for the unregistered bot, got %q", got)
	}
}

// TestManagerHBRIValidation exercises scenario 6 from the spec: a client
// connected over v4 that advertises a v6 address gets held in HBRI until
// a second, v6 connection presents the issued token, after which the
// first connection's INF is updated and it is let into NORMAL.
func TestManagerHBRIValidation(t *testing.T) {
	m := NewManager(testConf(), nopLogger{})
	m.Start()
	defer m.Close()

	server := testServer()
	primary := newTestClientAddr(t, m, server, "127.0.0.1", "127.0.0.1")
	primary.send("HSUP ADBASE ADTIGR ADHBRI")
	primary.expect("ISUP")
	sidLine := primary.expect("ISID")
	mySID, _ := adc.ParseSID(strings.Fields(sidLine)[1])
	primary.expect("IINF")

	primary.send("BINF " + mySID.String() + " ID" + fakeCID("carol").String() + " PD" + fakePID("carol").String() + " NIcarol I62001:db8::1")

	ctp := primary.expect("ICTP")
	fields := strings.Fields(ctp)
	var token string
	for _, f := range fields {
		if strings.HasPrefix(f, "TO") {
			token = f[2:]
		}
	}
	if token == "" {
		t.Fatalf("expected a TO<token> parameter in the HBRI offer, got %q", ctp)
	}

	secondary := newTestClientAddr(t, m, server, "::1", "2001:db8::1")
	secondary.send("HSUP ADBASE ADTIGR")
	secondary.expect("ISUP")
	secondary.expect("ISID")
	secondary.expect("IINF")

	secondary.send("HTCP TO" + token + " I62001:db8::1")
	sta := secondary.expect("ISTA")
	if !strings.HasPrefix(sta, "ISTA 0 ") {
		t.Fatalf("expected a success status on the secondary connection, got %q", sta)
	}

	inf := primary.expect("BINF " + mySID.String())
	if !strings.Contains(inf, "I62001:db8::1") {
		t.Fatalf("expected the primary's committed INF to carry the validated v6 address, got %q", inf)
	}
}
