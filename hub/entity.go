package hub

import (
	"strconv"
	"sync"

	"github.com/riftwave/adchub/adc"
)

// State is a position in the per-entity login/validation state machine.
type State int

const (
	StateProtocol State = iota
	StateIdentify
	StateVerify
	StateHBRI
	StateNormal
	StateData
)

func (s State) String() string {
	switch s {
	case StateProtocol:
		return "PROTOCOL"
	case StateIdentify:
		return "IDENTIFY"
	case StateVerify:
		return "VERIFY"
	case StateHBRI:
		return "HBRI"
	case StateNormal:
		return "NORMAL"
	case StateData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// Flag is a bit in an Entity's flag set.
type Flag uint32

const (
	FlagBot Flag = 1 << iota
	FlagRegistered
	FlagOp
	FlagSU
	FlagOwner
	FlagHub
	FlagHidden
	FlagPassword
	FlagExtAway
	FlagOkIP
	FlagGhost
	FlagValidateHBRI
)

// MaskClientType is the set of flags rewritten into the CT field whenever
// any of them changes.
const MaskClientType = FlagBot | FlagRegistered | FlagOp | FlagSU | FlagOwner | FlagHub | FlagHidden

// Entity is one connected client's (or the hub's own) login and routing
// state. Ownership is rooted in the Manager: the Manager's SID map is the
// only owning reference, the Nick/CID maps hold weak references for
// lookup, and Entity itself never reaches back through an owned pointer
// to the Manager (it calls back through the narrow entityHost interface
// instead, set once at construction).
type Entity struct {
	mu sync.Mutex

	sid   adc.SID
	cid   adc.CID
	state State
	flags Flag

	fields   map[uint16]string
	supports []adc.FourCC
	filters  []adc.FourCC

	inf *adc.Buffer
	sup *adc.Buffer

	pluginData map[*pluginDataKey]interface{}

	host entityHost
}

// entityHost is the narrow slice of Manager that Entity needs, so Entity
// never holds an owning reference back to its Manager.
type entityHost interface {
	send(e *Entity, buf *adc.Buffer, lowPrio bool)
	disconnect(e *Entity, reason Reason, info string)
}

// NewEntity constructs an entity in the initial PROTOCOL state.
func NewEntity(sid adc.SID, host entityHost) *Entity {
	return &Entity{
		sid:        sid,
		state:      StateProtocol,
		fields:     make(map[uint16]string),
		pluginData: make(map[*pluginDataKey]interface{}),
		host:       host,
	}
}

func fieldCode(name string) uint16 {
	return uint16(name[0])<<8 | uint16(name[1])
}

func fieldName(code uint16) string {
	return string([]byte{byte(code >> 8), byte(code)})
}

// SID returns the entity's session id. Immutable after creation.
func (e *Entity) SID() adc.SID { return e.sid }

// CID returns the entity's client id, or the zero CID before IDENTIFY.
func (e *Entity) CID() adc.CID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cid
}

// SetCID sets the entity's client id. Immutable once NORMAL.
func (e *Entity) SetCID(cid adc.CID) {
	e.mu.Lock()
	e.cid = cid
	e.mu.Unlock()
}

// State returns the entity's current state-machine position.
func (e *Entity) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState transitions the entity to a new state.
func (e *Entity) SetState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// IsSet reports whether all bits of flag are currently set.
func (e *Entity) IsSet(flag Flag) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags&flag == flag
}

// IsAnySet reports whether any bit of flag is currently set.
func (e *Entity) IsAnySet(flag Flag) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags&flag != 0
}

// SetFlag sets the given flag bits. If any MaskClientType bit changes,
// the CT field is rewritten to the decimal of the currently-set
// client-type bits.
func (e *Entity) SetFlag(flag Flag) {
	e.mu.Lock()
	e.flags |= flag
	ct := flag&MaskClientType != 0
	cur := e.flags & MaskClientType
	e.mu.Unlock()
	if ct {
		e.SetField("CT", strconv.Itoa(int(cur)))
	}
}

// UnsetFlag clears the given flag bits, rewriting CT the same way as
// SetFlag when a client-type bit changes.
func (e *Entity) UnsetFlag(flag Flag) {
	e.mu.Lock()
	e.flags &^= flag
	ct := flag&MaskClientType != 0
	cur := e.flags & MaskClientType
	e.mu.Unlock()
	if ct {
		e.SetField("CT", strconv.Itoa(int(cur)))
	}
}

// isFieldPropagated reports whether a field may be forwarded to other
// clients. PD (the private id) must never leak past the hub.
func isFieldPropagated(code uint16) bool {
	return code != fieldCode("PD")
}

// SetField writes or removes one INF field. Writing the SU field also
// recomputes the derived filters set. An empty value removes the field.
func (e *Entity) SetField(name, value string) {
	code := fieldCode(name)
	e.mu.Lock()
	if code == fieldCode("SU") {
		e.filters = e.filters[:0]
		if len(value) == 0 || (len(value)+1)%5 == 0 {
			for i := 0; i < len(value); i += 5 {
				e.filters = append(e.filters, adc.ToFourCC(value[i:i+4]))
			}
		}
	}
	if value == "" {
		delete(e.fields, code)
	} else {
		e.fields[code] = value
	}
	e.inf = nil
	e.mu.Unlock()
}

// Field returns the current value of a field, and whether it is set.
func (e *Entity) Field(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.fields[fieldCode(name)]
	return v, ok
}

// UpdateFields applies every named parameter of an INF command to the
// entity's fields. PD is rejected at this layer: callers validate and
// consume it separately before calling UpdateFields on the remainder.
func (e *Entity) UpdateFields(params []string) {
	for _, p := range params {
		if len(p) < 2 {
			continue
		}
		code := fieldCode(p[:2])
		if !isFieldPropagated(code) {
			continue
		}
		e.SetField(p[:2], p[2:])
	}
}

// INF returns the cached serialized INF broadcast, recomputing it if any
// field mutation invalidated the cache. Type is I if this is the hub
// entity, else B.
func (e *Entity) INF() *adc.Buffer {
	e.mu.Lock()
	if e.inf != nil {
		buf := e.inf
		e.mu.Unlock()
		return buf
	}
	typ := adc.TypeBroadcast
	if e.sid == adc.HubSID {
		typ = adc.TypeInfo
	}
	cmd := &adc.Command{Type: typ, Name: "INF", From: e.sid}
	codes := make([]uint16, 0, len(e.fields))
	for code := range e.fields {
		codes = append(codes, code)
	}
	sortUint16s(codes)
	for _, code := range codes {
		cmd.AddParam(fieldName(code), e.fields[code])
	}
	buf := adc.NewBuffer(cmd.Bytes())
	e.inf = buf
	e.mu.Unlock()
	return buf
}

// AddSupports idempotently adds a feature to the supports list,
// invalidating the cached SUP buffer. Reports whether it was new.
func (e *Entity) AddSupports(fea adc.FourCC) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.supports {
		if f == fea {
			return false
		}
	}
	e.supports = append(e.supports, fea)
	e.sup = nil
	return true
}

// RemoveSupports idempotently removes a feature, invalidating the
// cached SUP buffer. Reports whether it was present.
func (e *Entity) RemoveSupports(fea adc.FourCC) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, f := range e.supports {
		if f == fea {
			e.supports = append(e.supports[:i], e.supports[i+1:]...)
			e.sup = nil
			return true
		}
	}
	return false
}

// HasSupport reports whether the entity has declared support for fea.
func (e *Entity) HasSupport(fea adc.FourCC) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.supports {
		if f == fea {
			return true
		}
	}
	return false
}

// UpdateSupports applies AD<fourCC>/RM<fourCC> tokens from a SUP command
// to the entity's support set.
func (e *Entity) UpdateSupports(params []string) {
	for _, p := range params {
		if len(p) != 6 {
			continue
		}
		fea := adc.ToFourCC(p[2:6])
		switch p[:2] {
		case "AD":
			e.AddSupports(fea)
		case "RM":
			e.RemoveSupports(fea)
		}
	}
}

// SUP returns the cached serialized SUP broadcast.
func (e *Entity) SUP() *adc.Buffer {
	e.mu.Lock()
	if e.sup != nil {
		buf := e.sup
		e.mu.Unlock()
		return buf
	}
	typ := adc.TypeBroadcast
	if e.sid == adc.HubSID {
		typ = adc.TypeInfo
	}
	cmd := &adc.Command{Type: typ, Name: "SUP", From: e.sid}
	for _, f := range e.supports {
		cmd.AddParam("AD", f.String())
	}
	buf := adc.NewBuffer(cmd.Bytes())
	e.sup = buf
	e.mu.Unlock()
	return buf
}

// IsFiltered reports whether the entity is excluded by a feature-type
// selector: excluded if some "-X" names a feature the entity filters
// on, or some "+X" names a feature it does not filter on.
func (e *Entity) IsFiltered(sel []adc.FeatureSel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range sel {
		has := false
		for _, f := range e.filters {
			if f == s.Fea {
				has = true
				break
			}
		}
		if s.Has && !has {
			return true
		}
		if !s.Has && has {
			return true
		}
	}
	return false
}

// Send hands a reference-counted buffer to the entity's connection. The
// entity itself owns no socket; host implements delivery.
func (e *Entity) Send(buf *adc.Buffer, lowPrio bool) {
	e.host.send(e, buf, lowPrio)
}

// Disconnect asks the entity's connection to begin a graceful shutdown
// for the given reason.
func (e *Entity) Disconnect(reason Reason, info string) {
	e.host.disconnect(e, reason, info)
}

type pluginDataKey struct {
	name    string
	deleter func(interface{})
}

// PluginDataHandle identifies a slot registered at startup for carrying
// opaque per-entity data through the entity's lifetime.
type PluginDataHandle = *pluginDataKey

// RegisterPluginData allocates a new plugin-data slot. The deleter, if
// non-nil, runs once when the value is cleared or the entity destroyed.
func RegisterPluginData(name string, deleter func(interface{})) PluginDataHandle {
	return &pluginDataKey{name: name, deleter: deleter}
}

// SetPluginData stores data under handle, clearing (and invoking the
// deleter for) any previous value first.
func (e *Entity) SetPluginData(handle PluginDataHandle, data interface{}) {
	e.ClearPluginData(handle)
	e.mu.Lock()
	e.pluginData[handle] = data
	e.mu.Unlock()
}

// PluginData retrieves the value stored under handle, if any.
func (e *Entity) PluginData(handle PluginDataHandle) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.pluginData[handle]
	return v, ok
}

// ClearPluginData removes the value stored under handle, invoking its
// deleter if one was registered.
func (e *Entity) ClearPluginData(handle PluginDataHandle) {
	e.mu.Lock()
	v, ok := e.pluginData[handle]
	if ok {
		delete(e.pluginData, handle)
	}
	e.mu.Unlock()
	if ok && handle.deleter != nil {
		handle.deleter(v)
	}
}

// destroy runs every registered plugin-data deleter. Called once, by the
// Manager, when the entity is finally removed from the roster.
func (e *Entity) destroy() {
	e.mu.Lock()
	handles := make([]PluginDataHandle, 0, len(e.pluginData))
	for h := range e.pluginData {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		e.ClearPluginData(h)
	}
}

func sortUint16s(s []uint16) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
