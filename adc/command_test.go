package adc

import "testing"

func TestEscapeRoundTrip(t *testing.T) {
	cases := []string{"", "plain", "a b", "a\nb", `a\b`, "a b\nc\\d", "  leading and trailing  "}
	for _, s := range cases {
		got, err := unescape(escape(s))
		if err != nil {
			t.Fatalf("unescape(escape(%q)): %v", s, err)
		}
		if got != s {
			t.Fatalf("round trip mismatch: %q -> %q", s, got)
		}
	}
}

func TestUnescapeRejectsBadSequence(t *testing.T) {
	if _, err := unescape(`a\xb`); err == nil {
		t.Fatalf("expected an error for an ill-formed escape sequence")
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	lines := []string{
		"HSUP ADBASE ADTIGR",
		"ISUP ADBASE ADTIGR",
		"ISID AAAB",
		"IINF CT32 NIMyHub",
		"BINF AAAB IDABCD PDEFGH NInick I40.0.0.1",
		"DMSG AAAB AAAC hello",
		"EMSG AAAB AAAC hi",
		`BMSG AAAB escaped\sspace\nline`,
	}
	for _, line := range lines {
		cmd, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", line, err)
		}
		if got := cmd.Serialize(); got != line {
			t.Fatalf("serialize mismatch: parse(%q).Serialize() = %q", line, got)
		}
	}
}

func TestParseFeatureSelector(t *testing.T) {
	cmd, err := Parse("FSCH AAAB +BASE-TIGR TRanything")
	if err != nil {
		t.Fatal(err)
	}
	if len(cmd.Sel) != 2 || !cmd.Sel[0].Has || cmd.Sel[1].Has {
		t.Fatalf("unexpected selector: %+v", cmd.Sel)
	}
	if cmd.Sel[0].Fea != FeaBASE || cmd.Sel[1].Fea != FeaTIGR {
		t.Fatalf("unexpected selector features: %+v", cmd.Sel)
	}
}

func TestCommandParamHelpers(t *testing.T) {
	cmd := &Command{Type: TypeBroadcast, Name: "INF", From: 1}
	cmd.AddParam("NI", "nick")
	cmd.AddParam("DE", "desc")
	if v, ok := cmd.Param("NI", 0); !ok || v != "nick" {
		t.Fatalf("NI = %q, %v", v, ok)
	}
	if !cmd.DelParam("DE", 0) {
		t.Fatalf("expected DE to be removed")
	}
	if _, ok := cmd.Param("DE", 0); ok {
		t.Fatalf("DE should no longer be present")
	}
}

func TestSIDRoundTrip(t *testing.T) {
	for _, s := range []string{"AAAA", "AAAB", "ZZZZ", "2222"} {
		sid, err := ParseSID(s)
		if err != nil {
			t.Fatalf("ParseSID(%q): %v", s, err)
		}
		if sid.String() != s {
			t.Fatalf("round trip mismatch: %q -> %q", s, sid.String())
		}
	}
	if !HubSID.IsZero() || HubSID.String() != "AAAA" {
		t.Fatalf("hub SID must encode to AAAA, got %q", HubSID.String())
	}
}

func TestCIDRoundTrip(t *testing.T) {
	var pid PID
	for i := range pid {
		pid[i] = byte(i * 7)
	}
	cid := pid.Hash()
	s := cid.String()
	if len(s) != base32Len {
		t.Fatalf("CID string should be %d chars, got %d (%q)", base32Len, len(s), s)
	}
	got, err := ParseCID(s)
	if err != nil {
		t.Fatalf("ParseCID: %v", err)
	}
	if got != cid {
		t.Fatalf("round trip mismatch for CID")
	}
}

func TestMaxCommandSizeBoundary(t *testing.T) {
	// Boundary behavior is enforced by the socket adapter (hub package),
	// this only verifies that a long (100-byte) parameter still round-trips.
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	cmd := &Command{Type: TypeBroadcast, Name: "MSG", From: 1}
	cmd.AddRaw(string(long))
	line := cmd.Serialize()
	got, err := Parse(line)
	if err != nil {
		t.Fatal(err)
	}
	if got.Params[0] != string(long) {
		t.Fatalf("payload mismatch")
	}
}
