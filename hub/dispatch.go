package hub

import (
	"net"
	"unicode"
	"unicode/utf8"

	"github.com/riftwave/adchub/adc"
)

// isPrivateIP reports whether ip is on a range the hub trusts the client
// about rather than overriding from the observed peer address.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] == 10 ||
		(v4[0] == 172 && v4[1]&0xf0 == 16) ||
		(v4[0] == 192 && v4[1] == 168)
}

// validateCharset rejects any byte below min — used for NI (min 33,
// space forbidden) and DE (min 32).
func validateCharset(s string, min byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < min {
			return false
		}
	}
	return true
}

// isBadNickRune rejects the soft hyphen and any non-printable code
// point, except the letter-like-symbols block which is explicitly
// allowed despite some fonts/locales misclassifying it.
func isBadNickRune(r rune) bool {
	if r >= 0x2100 && r <= 0x214F {
		return false
	}
	if r == 0x00AD {
		return true
	}
	return !isPrintableRune(r)
}

// isPrintableRune is a small, self-contained stand-in for a full
// Unicode "is printable" table: control characters and the handful of
// separator categories we expect hostile nicks to use are rejected,
// everything else is accepted.
func isPrintableRune(r rune) bool {
	if r < 0x20 || r == 0x7f {
		return false
	}
	if r >= 0x80 && r <= 0x9f {
		return false
	}
	if unicode.In(r, unicode.Zs, unicode.Zl, unicode.Zp) {
		return false
	}
	return true
}

func validateNick(nick string) bool {
	if !validateCharset(nick, 33) {
		return false
	}
	for _, r := range nick {
		if r == utf8.RuneError {
			return false
		}
		if isBadNickRune(r) {
			return false
		}
	}
	return true
}

// dispatchCommand is the per-command entry point: it enforces the
// state-machine gate, runs the SUP/INF/TCP handlers, and otherwise
// forwards to routing for any command accepted in NORMAL.
func (m *Manager) dispatchCommand(e *Entity, cmd *adc.Command) {
	if e.IsSet(FlagGhost) {
		return
	}

	switch cmd.Type {
	case adc.TypeBroadcast, adc.TypeDirect, adc.TypeEcho, adc.TypeFeature, adc.TypeHub:
	default:
		m.disconnectWithReason(e, ReasonInvalidCommandType, "invalid command type", adc.ErrProtoGeneric, "")
		return
	}

	var ok bool
	switch {
	case cmd.Type == adc.TypeHub && cmd.Name == "SUP":
		ok = m.handleSUP(e, cmd)
	case cmd.Type == adc.TypeBroadcast && cmd.Name == "INF":
		ok = m.handleINF(e, cmd)
	case cmd.Type == adc.TypeHub && cmd.Name == "TCP":
		ok = m.handleTCP(e, cmd)
	default:
		ok = m.handleDefault(e, cmd)
	}

	if ok && cmd.Type != adc.TypeHub {
		cmd.From = e.SID()
		m.route(cmd)
	}
}

func (m *Manager) handleDefault(e *Entity, cmd *adc.Command) bool {
	if e.State() != StateNormal {
		m.badState(e, cmd)
		return false
	}
	return true
}

func (m *Manager) badState(e *Entity, cmd *adc.Command) {
	m.disconnectWithReason(e, ReasonBadState, "invalid state for command", adc.ErrBadState, "FC"+cmd.FourCC().String())
}

func (m *Manager) disconnectWithReason(e *Entity, reason Reason, info string, errCode int, staParam string) {
	sta := adc.STA(adc.SevFatal, errCode, info)
	if staParam != "" {
		sta.AddRaw(staParam)
	}
	e.Send(adc.NewBuffer(sta.Bytes()), false)
	e.Send(adc.NewBuffer(adc.QUI(e.SID(), true, info, 0).Bytes()), false)
	e.Disconnect(reason, info)
}

// handleSUP applies AD/RM tokens, requires BASE+TIGR, and on first
// arrival (PROTOCOL) greets the connection with the hub's SUP/SID/INF
// and moves it to IDENTIFY.
func (m *Manager) handleSUP(e *Entity, cmd *adc.Command) bool {
	if !m.verifySUP(e, cmd) {
		return false
	}
	switch e.State() {
	case StateProtocol:
		m.enterIdentify(e, true)
	case StateNormal:
		// resend in NORMAL: supports updated, no transition
	default:
		m.badState(e, cmd)
		return false
	}
	return true
}

func (m *Manager) verifySUP(e *Entity, cmd *adc.Command) bool {
	e.UpdateSupports(cmd.Params)
	if !e.HasSupport(adc.FeaBASE) {
		m.disconnectWithReason(e, ReasonNoBaseSupport, "this hub requires BASE support", adc.ErrProtoGeneric, "")
		return false
	}
	if !e.HasSupport(adc.FeaTIGR) {
		m.disconnectWithReason(e, ReasonNoTigrSupport, "this hub requires TIGR support", adc.ErrProtoGeneric, "")
		return false
	}
	return true
}

func (m *Manager) enterIdentify(e *Entity, sendData bool) {
	if sendData {
		e.Send(m.hub.SUP(), false)
		sid := &adc.Command{Type: adc.TypeInfo, Name: "SID"}
		sid.AddRaw(e.SID().String())
		e.Send(adc.NewBuffer(sid.Bytes()), false)
		e.Send(m.hub.INF(), false)
	}
	e.SetState(StateIdentify)
}

// handleINF validates identity/nick/description/IP, updates fields, and
// (from IDENTIFY) attempts the overflow-admission check before entering
// NORMAL.
func (m *Manager) handleINF(e *Entity, cmd *adc.Command) bool {
	if e.State() != StateIdentify && e.State() != StateNormal {
		m.badState(e, cmd)
		return false
	}
	if !m.verifyINF(e, cmd) {
		return false
	}
	if e.State() == StateIdentify {
		if !m.verifyOverflow(e) {
			return false
		}
		m.enterNormal(e, true, true)
		return false
	}
	return true
}

func (m *Manager) verifyINF(e *Entity, cmd *adc.Command) bool {
	if !m.verifyCID(e, cmd) {
		return false
	}
	if !m.verifyNick(e, cmd) {
		return false
	}
	if de, ok := cmd.Param("DE", 0); ok {
		if !validateCharset(de, 32) {
			m.disconnectWithReason(e, ReasonInvalidDescription, "invalid character in description", adc.ErrProtoGeneric, "")
			return false
		}
	}
	if !m.verifyIP(e, cmd, false) {
		return false
	}
	e.UpdateFields(cmd.Params)
	if _, ok := cmd.Param("SU", 0); ok && !e.IsSet(FlagValidateHBRI) && e.State() != StateHBRI {
		m.stripProtocolSupports(e)
	}
	return true
}

func (m *Manager) verifyCID(e *Entity, cmd *adc.Command) bool {
	if idStr, ok := cmd.Param("ID", 0); ok {
		if e.State() != StateIdentify {
			m.disconnectWithReason(e, ReasonCIDChange, "CID changes not allowed", adc.ErrProtoGeneric, "")
			return false
		}
		if len(idStr) != 39 {
			m.disconnectWithReason(e, ReasonPIDCIDLength, "invalid CID length", adc.ErrProtoGeneric, "")
			return false
		}
		cid, err := adc.ParseCID(idStr)
		if err != nil {
			m.disconnectWithReason(e, ReasonPIDCIDLength, "invalid CID", adc.ErrProtoGeneric, "")
			return false
		}
		pidStr, ok := cmd.Param("PD", 0)
		if !ok {
			m.disconnectWithReason(e, ReasonPIDMissing, "PID missing", adc.ErrLoginGeneric, "FLPD")
			return false
		}
		if len(pidStr) != 39 {
			m.disconnectWithReason(e, ReasonPIDCIDLength, "invalid PID length", adc.ErrProtoGeneric, "")
			return false
		}
		pid, err := adc.ParseCID(pidStr)
		if err != nil {
			m.disconnectWithReason(e, ReasonPIDCIDLength, "invalid PID", adc.ErrProtoGeneric, "")
			return false
		}
		if pid.Hash() != cid {
			m.disconnectWithReason(e, ReasonPIDCIDMismatch, "PID does not correspond to CID", adc.ErrInvalidPID, "")
			return false
		}
		if other, ok := m.cids[cid]; ok {
			m.disconnectWithReason(other, ReasonCIDTaken, "CID taken", adc.ErrCIDTaken, "")
			m.removeEntity(other, ReasonCIDTaken, "")
		}
		e.SetCID(cid)
		m.cids[cid] = e
		cmd.DelParam("PD", 0)
		return true
	}
	if _, ok := cmd.Param("PD", 0); ok {
		m.disconnectWithReason(e, ReasonPIDWithoutCID, "CID required when sending PID", adc.ErrProtoGeneric, "")
		return false
	}
	return true
}

func (m *Manager) verifyNick(e *Entity, cmd *adc.Command) bool {
	nick, ok := cmd.Param("NI", 0)
	if !ok {
		return true
	}
	if !validateNick(nick) {
		m.disconnectWithReason(e, ReasonNickInvalid, "invalid character in nick", adc.ErrNickInvalid, "")
		return false
	}
	if old, ok := e.Field("NI"); ok && old != "" {
		if cur, ok2 := m.nicks[old]; ok2 && cur == e {
			delete(m.nicks, old)
		}
	}
	if _, taken := m.nicks[nick]; taken {
		m.disconnectWithReason(e, ReasonNickTaken, "nick taken, please pick another one", adc.ErrNickTaken, "")
		return false
	}
	m.nicks[nick] = e
	return true
}

// verifyOverflow implements the "hub full" admission check from
// IDENTIFY: more than 3 overflowing connections, and more than a
// quarter of the roster, rejects the newcomer with a 1-second
// reconnect hint.
func (m *Manager) verifyOverflow(e *Entity) bool {
	overflowing := 0
	for sid := range m.entities {
		if conn := m.conns[sid]; conn != nil && !conn.Overflow().IsZero() {
			overflowing++
		}
	}
	if overflowing > 3 && overflowing > len(m.entities)/4 {
		info := "not enough bandwidth available, please try again later"
		e.Send(adc.NewBuffer(adc.STA(adc.SevFatal, adc.ErrHubFull, info).Bytes()), false)
		e.Send(adc.NewBuffer(adc.QUI(e.SID(), true, info, 1).Bytes()), false)
		e.Disconnect(ReasonNoBandwidth, info)
		return false
	}
	return true
}

// enterNormal fires the sequence described for reaching NORMAL: a
// deferred HBRI request first if one is pending, then existing-roster
// INFs to the newcomer, the newcomer's own INF to everyone (including
// itself), removal from the login queue, and insertion into the roster.
func (m *Manager) enterNormal(e *Entity, sendData, sendOwnInf bool) bool {
	if e.IsSet(FlagValidateHBRI) {
		if m.sendHBRI(e) {
			return false
		}
		e.UnsetFlag(FlagValidateHBRI)
	}

	if sendData {
		for _, other := range m.entities {
			e.Send(other.INF(), false)
		}
	}
	if sendOwnInf {
		m.sendToAll(e.INF())
		if sendData {
			e.Send(e.INF(), false)
		}
	}

	m.removeFromLogins(e)
	delete(m.pending, e.SID())
	m.entities[e.SID()] = e
	e.SetState(StateNormal)
	m.metrics.loginsTotal.Inc()
	m.metrics.rosterSize.Inc()
	m.Events.Fire(EventConnected, e)
	return true
}
