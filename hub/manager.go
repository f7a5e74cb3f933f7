package hub

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/riftwave/adchub/adc"
)

// loginEntry records an entity waiting to reach NORMAL, in insertion
// order, so the head of the queue is always the oldest pending login.
type loginEntry struct {
	entity   *Entity
	deadline time.Time
}

// hbriToken correlates a token issued on a primary connection with the
// secondary connection expected to present it.
type hbriToken struct {
	primary *Entity
	issued  time.Time
}

// Manager is the client manager: it owns the roster (SID/CID/Nick maps),
// the login queue, HBRI token table, and the single job queue that
// serializes every dispatch/routing/state mutation onto one goroutine,
// exactly as described for the "single logical task scheduler" model.
type Manager struct {
	conf    *Config
	log     Logger
	metrics *metrics
	Events  *Events
	Plugins *PluginRegistry

	hub *Entity

	// entities, conns, nicks, cids, pending, logins, and hbri are only
	// ever touched from jobs executed by run() on the core goroutine, so
	// none of them need their own lock.
	entities map[adc.SID]*Entity
	conns    map[adc.SID]*Conn
	nicks    map[string]*Entity
	cids     map[adc.CID]*Entity
	pending  map[adc.SID]*Entity // entities that have not yet reached NORMAL
	logins   []loginEntry
	hbri     map[string]hbriToken

	jobs chan func()
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager from conf. Start must be called once
// before accepting connections.
func NewManager(conf *Config, log Logger) *Manager {
	if log == nil {
		log = defaultLogger()
	}
	m := &Manager{
		conf:     conf,
		log:      log,
		metrics:  newMetrics(),
		Events:   NewEvents(),
		Plugins:  NewPluginRegistry(),
		entities: make(map[adc.SID]*Entity),
		conns:    make(map[adc.SID]*Conn),
		nicks:    make(map[string]*Entity),
		cids:     make(map[adc.CID]*Entity),
		pending:  make(map[adc.SID]*Entity),
		hbri:     make(map[string]hbriToken),
		jobs:     make(chan func(), 256),
		stop:     make(chan struct{}),
	}
	m.hub = newHubEntity(conf, m)
	return m
}

// RegisterMetrics adds the manager's prometheus collectors to reg.
func (m *Manager) RegisterMetrics(reg prometheus.Registerer) {
	m.metrics.Register(reg)
}

// Start launches the job-queue goroutine and the 1-second timer.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.run()
	go m.runTimer()
}

// Close stops the timer and job queue. In-flight connections are left
// for their own goroutines to unwind; callers typically close listeners
// first so no new work arrives.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
}

// run is the single "core" goroutine: every roster mutation, every
// command dispatch, and every routed send happens here, in submission
// order, so no locking is needed around the roster maps.
func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.jobs:
			job()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) submit(job func()) {
	select {
	case m.jobs <- job:
	case <-m.stop:
	}
}

// runTimer ticks once per second, expiring HBRI tokens, popping timed-out
// logins, and nudging every live connection's write-timeout check.
func (m *Manager) runTimer() {
	defer m.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.submit(m.onTimerTick)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) onTimerTick() {
	now := time.Now()

	for token, tok := range m.hbri {
		if now.Sub(tok.issued) > m.conf.HbriTimeout {
			delete(m.hbri, token)
			m.metrics.hbriTimedOut.Inc()
			proto := "IPv4"
			if conn := m.conns[tok.primary.SID()]; conn != nil && conn.IsV6() {
				proto = "IPv6"
			}
			tok.primary.Send(adc.NewBuffer(adc.STA(adc.SevRecoverable, adc.ErrHBRITimeout, proto+" validation timed out").Bytes()), false)
			m.failHBRI(tok.primary)
		}
	}

	for len(m.logins) > 0 && now.After(m.logins[0].deadline) {
		e := m.logins[0].entity
		m.logins = m.logins[1:]
		m.disconnectEntity(e, ReasonLoginTimeout, "login timed out")
	}

	for _, c := range m.conns {
		c.checkWriteTimeout()
	}
}

// makeSID allocates a random, non-zero SID not already present in the
// roster or the login queue. Only the low 20 bits are used, since that is
// all the 4-character wire form can carry.
func (m *Manager) makeSID() adc.SID {
	for {
		var b [4]byte
		_, _ = rand.Read(b[:])
		v := binary.BigEndian.Uint32(b[:]) & 0xFFFFF
		sid := adc.SID(v)
		if sid.IsZero() {
			continue
		}
		if _, ok := m.entities[sid]; ok {
			continue
		}
		if _, ok := m.conns[sid]; ok {
			continue
		}
		return sid
	}
}

// Accept registers a freshly accepted socket: it allocates a SID, builds
// the Entity and Conn pair, appends the entity to the login queue, and
// starts the connection's read loop.
func (m *Manager) Accept(raw net.Conn, server ServerInfo) {
	done := make(chan struct{})
	m.submit(func() {
		sid := m.makeSID()
		e := NewEntity(sid, m)
		conn := NewConn(raw, sid, server, m.conf, m)
		m.conns[sid] = conn
		m.pending[sid] = e
		m.logins = append(m.logins, loginEntry{entity: e, deadline: time.Now().Add(m.conf.LogTimeout)})
		m.metrics.connections.Inc()
		m.Events.Fire(EventAccepted, e)
		close(done)
		go conn.Serve()
	})
	<-done
}

// RegisterBot injects a pseudo-entity straight into NORMAL state and the
// roster, bypassing the socket/login state machine entirely — adapted
// from ClientManager::regBot, for a plugin (or the hub process itself)
// that wants a bot presence without a real connection behind it. The
// bot's INF (CT and NI only) is broadcast before the entity is returned;
// fields the caller sets afterwards are not broadcast by this call.
func (m *Manager) RegisterBot(nick string) (*Entity, error) {
	result := make(chan *Entity, 1)
	errc := make(chan error, 1)
	m.submit(func() {
		if _, taken := m.nicks[nick]; taken {
			errc <- fmt.Errorf("adchub: nick %q is already taken", nick)
			return
		}
		sid := m.makeSID()
		e := NewEntity(sid, m)
		e.SetFlag(FlagBot)
		e.SetField("NI", nick)
		m.nicks[nick] = e
		m.entities[sid] = e
		e.SetState(StateNormal)
		m.sendToAll(e.INF())
		m.metrics.rosterSize.Inc()
		m.Events.Fire(EventConnected, e)
		result <- e
	})
	select {
	case e := <-result:
		return e, nil
	case err := <-errc:
		return nil, err
	}
}

// UnregisterBot removes a previously registered bot from the roster,
// broadcasting QUI exactly as it would for a real disconnecting client.
func (m *Manager) UnregisterBot(e *Entity) {
	done := make(chan struct{})
	m.submit(func() {
		m.removeEntity(e, ReasonPlugin, "bot unregistered")
		close(done)
	})
	<-done
}

// entityFor resolves a command's source connection to its Entity,
// whether the entity is still logging in or already in the roster.
func (m *Manager) entityFor(sid adc.SID) *Entity {
	if e, ok := m.entities[sid]; ok {
		return e
	}
	return m.pending[sid]
}

// getEntity resolves a routing destination SID to an Entity: the hub's
// reserved SID, a roster member, or nil.
func (m *Manager) getEntity(sid adc.SID) *Entity {
	if sid == adc.HubSID {
		return m.hub
	}
	return m.entities[sid]
}

// handleLine implements connHost. It is called from the connection's own
// read goroutine, so it only ever submits a job onto the core goroutine
// rather than touching roster state directly.
func (m *Manager) handleLine(c *Conn, line string) {
	m.submit(func() {
		e := m.entityFor(c.SID())
		if e == nil {
			return
		}
		if e.IsSet(FlagGhost) {
			return
		}
		cmd, err := adc.Parse(line)
		if err != nil {
			m.Events.Fire(EventBadLine, e)
			m.fatal(e, adc.ErrProtoGeneric, "malformed command", "")
			return
		}
		m.dispatchCommand(e, cmd)
	})
}

// failed implements connHost. A connection may report failure more than
// once (for example a requested disconnect, then the read error after the
// socket is closed); every report is funneled through the job queue so it
// never runs reentrantly from inside a handler, and reports after the
// first find no entity and do nothing.
func (m *Manager) failed(c *Conn, reason Reason, info string) {
	m.submit(func() {
		e := m.entityFor(c.SID())
		if e == nil {
			return
		}
		m.removeEntity(e, reason, info)
	})
}

// send implements entityHost: hands buf to the entity's connection, if
// it still has one (the hub entity has none and silently drops).
func (m *Manager) send(e *Entity, buf *adc.Buffer, lowPrio bool) {
	conn := m.conns[e.SID()]
	if conn == nil {
		return
	}
	conn.Enqueue(buf, lowPrio)
	m.metrics.bytesOut.Add(float64(buf.Len()))
}

// disconnect implements entityHost.
func (m *Manager) disconnect(e *Entity, reason Reason, info string) {
	conn := m.conns[e.SID()]
	if conn == nil {
		return
	}
	conn.Disconnect(reason, info)
}

// disconnectEntity requests a cooperative disconnect; removeEntity runs
// later, off the Conn's async failure callback, never reentrantly from
// this call.
func (m *Manager) disconnectEntity(e *Entity, reason Reason, info string) {
	e.Disconnect(reason, info)
}

// route dispatches a fully-formed command by type, exactly as in the
// routing table: B to everyone, F to everyone not filtered, D/E to the
// named recipient(s), I never leaves the hub.
func (m *Manager) route(cmd *adc.Command) {
	switch cmd.Type {
	case adc.TypeBroadcast:
		for _, e := range m.entities {
			m.maybeSend(e, cmd)
		}
	case adc.TypeFeature:
		for _, e := range m.entities {
			if !e.IsFiltered(cmd.Sel) {
				m.maybeSend(e, cmd)
			}
		}
	case adc.TypeDirect, adc.TypeEcho:
		to := m.getEntity(cmd.To)
		if to != nil {
			m.maybeSend(to, cmd)
		}
		if cmd.Type == adc.TypeEcho {
			from := m.getEntity(cmd.From)
			if from != nil {
				m.maybeSend(from, cmd)
			}
		}
	}
}

func (m *Manager) maybeSend(e *Entity, cmd *adc.Command) {
	ev := &PreSendEvent{To: e, Cmd: cmd, OK: true}
	if from := m.getEntity(cmd.From); from != nil {
		ev.From = from
	}
	m.Events.Fire(EventPreSend, ev)
	if !ev.OK {
		return
	}
	e.Send(adc.NewBuffer(cmd.Bytes()), false)
}

// sendToAll unconditionally enqueues buf to every roster entity,
// bypassing the pre-send filter hook. Used for the hub's own INF/QUI
// broadcasts, which are not subject to plugin suppression.
func (m *Manager) sendToAll(buf *adc.Buffer) {
	for _, e := range m.entities {
		e.Send(buf, false)
	}
}

// removeEntity is idempotent: once GHOST is set, later calls are no-ops.
// It broadcasts QUI only if the entity had reached NORMAL; otherwise it
// is simply dropped from the login queue and HBRI table.
func (m *Manager) removeEntity(e *Entity, reason Reason, info string) {
	if e.IsSet(FlagGhost) {
		return
	}
	e.SetFlag(FlagGhost)
	m.Events.Fire(EventDisconnected, e)
	m.log.Printf("%s disconnected: %s (%s)", e.SID(), reason, info)
	m.metrics.disconnects.WithLabelValues(reason.String()).Inc()

	if e.State() == StateNormal {
		delete(m.entities, e.SID())
		m.metrics.rosterSize.Dec()
		m.sendToAll(adc.NewBuffer(adc.QUI(e.SID(), true, "", 0).Bytes()))
	} else {
		m.removeFromLogins(e)
	}
	if nick, ok := e.Field("NI"); ok {
		if cur, ok2 := m.nicks[nick]; ok2 && cur == e {
			delete(m.nicks, nick)
		}
	}
	cid := e.CID()
	if !cid.IsZero() {
		if cur, ok := m.cids[cid]; ok && cur == e {
			delete(m.cids, cid)
		}
	}
	delete(m.conns, e.SID())
	delete(m.pending, e.SID())
	e.destroy()
}

func (m *Manager) removeFromLogins(e *Entity) {
	for i, l := range m.logins {
		if l.entity == e {
			m.logins = append(m.logins[:i], m.logins[i+1:]...)
			break
		}
	}
	for token, tok := range m.hbri {
		if tok.primary == e {
			delete(m.hbri, token)
			break
		}
	}
}

// fatal sends a fatal STA followed by QUI, then requests disconnect.
// Mirrors ClientManager::disconnect in the original.
func (m *Manager) fatal(e *Entity, errCode int, info, staParam string) {
	sta := adc.STA(adc.SevFatal, errCode, info)
	if staParam != "" {
		sta.AddRaw(staParam)
	}
	e.Send(adc.NewBuffer(sta.Bytes()), false)
	e.Send(adc.NewBuffer(adc.QUI(e.SID(), true, info, 0).Bytes()), false)
	reason := reasonForError(errCode)
	e.Disconnect(reason, info)
}

func reasonForError(errCode int) Reason {
	switch errCode {
	case adc.ErrBadState:
		return ReasonBadState
	case adc.ErrNickInvalid:
		return ReasonNickInvalid
	case adc.ErrNickTaken:
		return ReasonNickTaken
	case adc.ErrCIDTaken:
		return ReasonCIDTaken
	case adc.ErrBadIP:
		return ReasonInvalidIP
	case adc.ErrHubFull:
		return ReasonHubFull
	default:
		return ReasonBadState
	}
}
