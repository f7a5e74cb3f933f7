package adc

import (
	"strconv"
	"strings"
)

// Type is the first byte of a command line, selecting the routing model.
type Type byte

const (
	TypeBroadcast Type = 'B'
	TypeDirect    Type = 'D'
	TypeEcho      Type = 'E'
	TypeFeature   Type = 'F'
	TypeHub       Type = 'H'
	TypeInfo      Type = 'I'
	TypeClient    Type = 'C'
)

func (t Type) valid() bool {
	switch t {
	case TypeBroadcast, TypeDirect, TypeEcho, TypeFeature, TypeHub, TypeInfo, TypeClient:
		return true
	}
	return false
}

// hasFrom reports whether commands of this type carry a from-SID field.
func (t Type) hasFrom() bool {
	switch t {
	case TypeBroadcast, TypeDirect, TypeEcho, TypeFeature:
		return true
	}
	return false
}

// hasTo reports whether commands of this type carry a to-SID field.
func (t Type) hasTo() bool {
	return t == TypeDirect || t == TypeEcho
}

// FeatureSel is one term of an F-type command's feature selector, e.g.
// "+BASE" (Has=true) or "-TIGR" (Has=false).
type FeatureSel struct {
	Has bool
	Fea FourCC
}

func (s FeatureSel) String() string {
	sign := byte('-')
	if s.Has {
		sign = '+'
	}
	return string(sign) + s.Fea.String()
}

// Command is a parsed ADC command line.
type Command struct {
	Type   Type
	Name   string // 3 uppercase ASCII letters, e.g. "INF"
	From   SID
	To     SID
	Sel    []FeatureSel
	Params []string // already-unescaped parameter tokens, in wire order
}

// FourCC identifies this command's (type, name) pair.
func (c *Command) FourCC() FourCC {
	return ToFourCC(string(c.Type) + c.Name)
}

// Param returns the value of the idx'th occurrence of a named parameter
// (one whose first two characters equal name), or ("", false).
func (c *Command) Param(name string, idx int) (string, bool) {
	n := 0
	for _, p := range c.Params {
		if len(p) >= 2 && p[0] == name[0] && p[1] == name[1] {
			if n == idx {
				return p[2:], true
			}
			n++
		}
	}
	return "", false
}

// AddParam appends a named parameter (e.g. AddParam("NI", "nick")).
func (c *Command) AddParam(name, value string) {
	c.Params = append(c.Params, name+value)
}

// AddRaw appends a positional (un-prefixed) parameter token.
func (c *Command) AddRaw(value string) {
	c.Params = append(c.Params, value)
}

// DelParam removes the idx'th occurrence of a named parameter, reporting
// whether one was found.
func (c *Command) DelParam(name string, idx int) bool {
	n := 0
	for i, p := range c.Params {
		if len(p) >= 2 && p[0] == name[0] && p[1] == name[1] {
			if n == idx {
				c.Params = append(c.Params[:i], c.Params[i+1:]...)
				return true
			}
			n++
		}
	}
	return false
}

// ParseSelector decodes an F-type feature selector string of the form
// "+AAAA-BBBB+CCCC": each term is 5 characters.
func ParseSelector(s string) ([]FeatureSel, error) {
	if len(s) == 0 || len(s)%5 != 0 {
		return nil, errBadSelector
	}
	sel := make([]FeatureSel, 0, len(s)/5)
	for i := 0; i < len(s); i += 5 {
		var has bool
		switch s[i] {
		case '+':
			has = true
		case '-':
			has = false
		default:
			return nil, errBadSelector
		}
		sel = append(sel, FeatureSel{Has: has, Fea: ToFourCC(s[i+1 : i+5])})
	}
	return sel, nil
}

func selectorString(sel []FeatureSel) string {
	var b strings.Builder
	b.Grow(len(sel) * 5)
	for _, s := range sel {
		b.WriteString(s.String())
	}
	return b.String()
}

// Parse decodes a single command line (without its trailing '\n').
func Parse(line string) (*Command, error) {
	fields := strings.Split(line, " ")
	head := fields[0]
	if len(head) != 4 {
		return nil, errBadName
	}
	typ := Type(head[0])
	if !typ.valid() {
		return nil, errBadType
	}
	name := head[1:4]
	for i := 0; i < 3; i++ {
		if name[i] < 'A' || name[i] > 'Z' {
			return nil, errBadName
		}
	}
	cmd := &Command{Type: typ, Name: name}
	fields = fields[1:]

	if typ.hasFrom() {
		if len(fields) == 0 {
			return nil, errMissingSID
		}
		sid, err := ParseSID(fields[0])
		if err != nil {
			return nil, err
		}
		cmd.From = sid
		fields = fields[1:]
	}
	if typ.hasTo() {
		if len(fields) == 0 {
			return nil, errMissingSID
		}
		sid, err := ParseSID(fields[0])
		if err != nil {
			return nil, err
		}
		cmd.To = sid
		fields = fields[1:]
	}
	if typ == TypeFeature {
		if len(fields) == 0 {
			return nil, errBadSelector
		}
		sel, err := ParseSelector(fields[0])
		if err != nil {
			return nil, err
		}
		cmd.Sel = sel
		fields = fields[1:]
	}

	if len(fields) == 1 && fields[0] == "" {
		// trailing content was empty (command had no parameters at all)
		fields = nil
	}
	cmd.Params = make([]string, 0, len(fields))
	for _, f := range fields {
		u, err := unescape(f)
		if err != nil {
			return nil, err
		}
		cmd.Params = append(cmd.Params, u)
	}
	return cmd, nil
}

// Serialize renders the command back into its wire form, without a
// trailing '\n'.
func (c *Command) Serialize() string {
	var b strings.Builder
	b.WriteByte(byte(c.Type))
	b.WriteString(c.Name)
	if c.Type.hasFrom() {
		b.WriteByte(' ')
		b.WriteString(c.From.String())
	}
	if c.Type.hasTo() {
		b.WriteByte(' ')
		b.WriteString(c.To.String())
	}
	if c.Type == TypeFeature {
		b.WriteByte(' ')
		b.WriteString(selectorString(c.Sel))
	}
	for _, p := range c.Params {
		b.WriteByte(' ')
		b.WriteString(escape(p))
	}
	return b.String()
}

// Bytes renders the command as a complete, newline-terminated wire line.
func (c *Command) Bytes() []byte {
	s := c.Serialize()
	out := make([]byte, 0, len(s)+1)
	out = append(out, s...)
	out = append(out, '\n')
	return out
}

// Itoa and Atoi are small numeric helpers kept local to avoid importing
// strconv at every call site that builds/reads decimal ADC fields.
func Itoa(v int) string { return strconv.Itoa(v) }

func Atoi(s string) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
