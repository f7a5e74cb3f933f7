package hub

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/riftwave/adchub/adc"
)

// stripProtocolSupports removes the TCP/UDP support tokens of the family
// opposite to the connection's (TCP6/UDP6 on a v4 connection, TCP4/UDP4
// on a v6 one) from the entity's supports set — a defensive normalization
// applied once an SU field has been accepted and no HBRI validation is in
// flight. The SU field and the filters derived from it are not changed.
func (m *Manager) stripProtocolSupports(e *Entity) {
	v := byte('6')
	conn := m.conns[e.SID()]
	if conn != nil && conn.IsV6() {
		v = '4'
	}
	e.RemoveSupports(adc.ToFourCC("TCP" + string(v)))
	e.RemoveSupports(adc.ToFourCC("UDP" + string(v)))
}

// sendHBRI issues an HBRI request on the primary connection: it builds
// the CMD_TCP offer with the opposite family's hub address/port, records
// a token to correlate the secondary connection, and (if not already
// NORMAL) moves the entity into the HBRI state. Reports whether a
// request was actually sent — the caller must unset FlagValidateHBRI
// itself when it was not.
func (m *Manager) sendHBRI(e *Entity) bool {
	if !e.HasSupport(adc.FeaHBRI) {
		return false
	}
	conn := m.conns[e.SID()]
	if conn == nil {
		return false
	}
	// The hub's offer is a distinct command from the client's reply: per
	// the HBRI extension, the hub-issued probe is the info-type "ICTP"
	// and the client's reply on the secondary connection is "HTCP" —
	// handled by handleTCP below.
	cmd := &adc.Command{Type: adc.TypeInfo, Name: "CTP"}
	if !conn.HBRIParams(cmd) {
		return false
	}

	e.SetFlag(FlagValidateHBRI)
	if e.State() != StateNormal {
		e.SetState(StateHBRI)
	}

	token := fmt.Sprintf("%d", rand.Uint32())
	m.hbri[token] = hbriToken{primary: e, issued: time.Now()}
	m.metrics.hbriIssued.Inc()

	cmd.AddParam("TO", token)
	e.Send(adc.NewBuffer(cmd.Bytes()), false)
	return true
}

// failHBRI abandons a pending HBRI validation: the VALIDATE_HBRI flag is
// cleared, the opposite-family supports are stripped, and if the entity
// was waiting in the HBRI state it is let through to NORMAL on the
// single remaining protocol.
func (m *Manager) failHBRI(e *Entity) {
	e.UnsetFlag(FlagValidateHBRI)
	m.stripProtocolSupports(e)
	if e.State() == StateHBRI {
		m.enterNormal(e, true, true)
	}
}

// handleTCP processes an HTCP command, which only ever arrives on the
// secondary (validation) connection, carrying the token issued to the
// primary.
func (m *Manager) handleTCP(secondary *Entity, cmd *adc.Command) bool {
	token, ok := cmd.Param("TO", 0)
	if !ok {
		m.hbriError(secondary, "validation token missing")
		return true
	}
	tok, ok := m.hbri[token]
	if !ok {
		m.hbriError(secondary, "unknown validation token")
		return true
	}
	primary := tok.primary
	primary.UnsetFlag(FlagValidateHBRI)

	if primary.State() != StateHBRI && primary.State() != StateNormal {
		m.badState(secondary, cmd)
		return false
	}
	delete(m.hbri, token)

	primaryConn := m.conns[primary.SID()]
	secondaryConn := m.conns[secondary.SID()]
	if primaryConn == nil || secondaryConn == nil {
		return false
	}
	if primaryConn.IsV6() == secondaryConn.IsV6() {
		secondary.Send(adc.NewBuffer(adc.STA(adc.SevRecoverable, adc.ErrHBRITimeout,
			"validation request was received over the wrong IP protocol").Bytes()), false)
		m.failHBRI(primary)
		secondary.Disconnect(ReasonInvalidIP, "validation request was received over the wrong IP protocol")
		return false
	}

	if !m.verifyIP(secondary, cmd, true) {
		m.failHBRI(primary)
		return false
	}

	secondary.Send(adc.NewBuffer(adc.STA(adc.SevSuccess, adc.ErrSuccess, "validation succeeded").Bytes()), false)
	secondary.Disconnect(ReasonHBRI, "validation succeeded")

	ipParam, portParam := "I4", "U4"
	if secondaryConn.IsV6() {
		ipParam, portParam = "I6", "U6"
	}
	kept := cmd.Params[:0:0]
	for _, p := range cmd.Params {
		if len(p) < 2 {
			continue
		}
		switch p[:2] {
		case "SU", ipParam, portParam:
			kept = append(kept, p)
		}
	}
	primary.UpdateFields(kept)

	if primary.State() == StateHBRI {
		m.enterNormal(primary, true, true)
	} else {
		infCmd := &adc.Command{Type: adc.TypeBroadcast, Name: "INF", From: primary.SID(), Params: kept}
		m.sendToAll(adc.NewBuffer(infCmd.Bytes()))
	}
	m.metrics.hbriSucceeded.Inc()
	return true
}

func (m *Manager) hbriError(e *Entity, msg string) {
	e.Send(adc.NewBuffer(adc.STA(adc.SevFatal, adc.ErrLoginGeneric, msg).Bytes()), false)
	e.Disconnect(ReasonHBRI, msg)
}

// verifyIP validates (and where needed fills in) the I4/I6 parameter
// against the connection's observed peer address, and decides whether
// the opposite family's address triggers HBRI.
func (m *Manager) verifyIP(e *Entity, cmd *adc.Command, isHBRIConn bool) bool {
	if e.IsSet(FlagOkIP) {
		return true
	}
	conn := m.conns[e.SID()]
	if conn == nil {
		return false
	}
	peer := net.ParseIP(conn.PeerIP())
	if peer == nil {
		return false
	}
	local := isPrivateIP(peer)

	primaryParam := "I4"
	secondaryParam := "I6"
	if conn.IsV6() {
		primaryParam, secondaryParam = "I6", "I4"
	}

	if v, ok := cmd.Param(primaryParam, 0); ok {
		if v == "" || v == "0.0.0.0" || v == "::" {
			cmd.DelParam(primaryParam, 0)
			cmd.AddParam(primaryParam, peer.String())
		} else if v != peer.String() && !local {
			m.disconnectWithReason(e, ReasonInvalidIP,
				fmt.Sprintf("your IP is %s, reconfigure your client settings", peer.String()),
				adc.ErrBadIP, "IP"+peer.String())
			return false
		}
	} else {
		cmd.AddParam(primaryParam, peer.String())
	}

	secondary, hasSecondary := cmd.Param(secondaryParam, 0)
	validateSecondary := hasSecondary && secondary != ""

	if local && hasSecondary {
		// a local user's secondary address parameters are kept as sent;
		// a non-empty one is still validated over HBRI below
	} else if !validateSecondary {
		udpSecondary := "U6"
		if secondaryParam == "I4" {
			udpSecondary = "U4"
		}
		cmd.DelParam(udpSecondary, 0)
		cmd.DelParam(secondaryParam, 0)
	}

	if !isHBRIConn && validateSecondary {
		if e.State() == StateNormal {
			m.sendHBRI(e)
		} else {
			e.SetFlag(FlagValidateHBRI)
		}
	}

	return true
}
