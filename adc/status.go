package adc

// Severity levels for the STA command.
const (
	SevSuccess     = 0
	SevRecoverable = 1
	SevFatal       = 2
)

// STA error codes emitted on the wire (spec §6).
const (
	ErrSuccess        = 0
	ErrHubFull        = 11
	ErrLoginGeneric   = 20
	ErrNickInvalid    = 21
	ErrNickTaken      = 22
	ErrCIDTaken       = 24
	ErrInvalidPID     = 27
	ErrBadIP          = 27
	ErrProtoGeneric   = 40
	ErrBadState       = 42
	ErrHBRITimeout    = 45
)

// STA builds a status command of the given severity/code and message,
// addressed from the hub (type I, no SID needed on the wire).
func STA(sev, code int, msg string) *Command {
	return &Command{
		Type:   TypeInfo,
		Name:   "STA",
		Params: []string{Itoa(sev*100 + code), msg},
	}
}

// QUI builds a quit notification for sid, broadcast to the roster.
func QUI(sid SID, disconnect bool, msg string, reconnectSecs int) *Command {
	c := &Command{Type: TypeInfo, Name: "QUI"}
	c.AddRaw(sid.String())
	if disconnect {
		c.AddParam("DI", "1")
	}
	if msg != "" {
		c.AddParam("MS", msg)
	}
	if reconnectSecs != 0 {
		c.AddParam("TL", Itoa(reconnectSecs))
	}
	return c
}
