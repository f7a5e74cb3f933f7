package hub

import (
	"strings"
	"testing"

	"github.com/riftwave/adchub/adc"
)

type fakeHost struct {
	sent        []*adc.Buffer
	disconnects []Reason
}

func (f *fakeHost) send(e *Entity, buf *adc.Buffer, lowPrio bool) {
	f.sent = append(f.sent, buf)
}

func (f *fakeHost) disconnect(e *Entity, reason Reason, info string) {
	f.disconnects = append(f.disconnects, reason)
}

func TestEntityFieldsAndINFCaching(t *testing.T) {
	h := &fakeHost{}
	e := NewEntity(adc.SID(1), h)
	e.SetField("NI", "alice")
	e.SetField("DE", "hi there")

	first := e.INF()
	second := e.INF()
	if first != second {
		t.Fatalf("INF should be cached until a field changes")
	}
	line := string(first.Bytes())
	if !strings.Contains(line, "NIalice") || !strings.Contains(line, "DEhi\\sthere") {
		t.Fatalf("unexpected INF line: %q", line)
	}

	e.SetField("DE", "new desc")
	third := e.INF()
	if third == first {
		t.Fatalf("INF should be recomputed after a field change")
	}
}

func TestEntityFieldOrderIsSorted(t *testing.T) {
	h := &fakeHost{}
	e := NewEntity(adc.SID(1), h)
	e.SetField("SL", "5")
	e.SetField("NI", "bob")
	e.SetField("DE", "desc")
	line := string(e.INF().Bytes())
	niIdx := strings.Index(line, "NI")
	slIdx := strings.Index(line, "SL")
	deIdx := strings.Index(line, "DE")
	if !(deIdx < niIdx && niIdx < slIdx) {
		t.Fatalf("expected fields in ascending field-code order, got %q", line)
	}
}

func TestEntitySetFieldEmptyRemoves(t *testing.T) {
	h := &fakeHost{}
	e := NewEntity(adc.SID(1), h)
	e.SetField("NI", "alice")
	if _, ok := e.Field("NI"); !ok {
		t.Fatalf("NI should be set")
	}
	e.SetField("NI", "")
	if _, ok := e.Field("NI"); ok {
		t.Fatalf("NI should have been removed by an empty value")
	}
}

func TestEntitySupportsAndFilters(t *testing.T) {
	h := &fakeHost{}
	e := NewEntity(adc.SID(1), h)
	e.AddSupports(adc.FeaBASE)
	e.AddSupports(adc.FeaTIGR)
	if !e.HasSupport(adc.FeaBASE) || !e.HasSupport(adc.FeaTIGR) {
		t.Fatalf("expected both supports to be present")
	}
	if e.HasSupport(adc.FeaHBRI) {
		t.Fatalf("HBRI was never added")
	}
	sup := e.SUP()
	if sup != e.SUP() {
		t.Fatalf("SUP should be cached")
	}
	if e.RemoveSupports(adc.FeaTIGR); e.SUP() == sup {
		t.Fatalf("SUP cache should be invalidated by RemoveSupports")
	}
}

func TestEntityUpdateSupportsADRM(t *testing.T) {
	h := &fakeHost{}
	e := NewEntity(adc.SID(1), h)
	e.UpdateSupports([]string{"ADBASE", "ADTIGR", "ADTCP4"})
	if !e.HasSupport(adc.FeaTCP4) {
		t.Fatalf("expected TCP4 support after AD token")
	}
	e.UpdateSupports([]string{"RMTCP4"})
	if e.HasSupport(adc.FeaTCP4) {
		t.Fatalf("expected TCP4 support removed after RM token")
	}
}

func TestEntityIsFiltered(t *testing.T) {
	h := &fakeHost{}
	e := NewEntity(adc.SID(1), h)
	e.SetField("SU", "BASE,TIGR")

	cases := []struct {
		sel      string
		filtered bool
	}{
		{"+BASE", false},
		{"-BASE", true},
		{"+HBRI", true},
		{"-HBRI", false},
	}
	for _, c := range cases {
		sel, err := adc.ParseSelector(c.sel)
		if err != nil {
			t.Fatalf("ParseSelector(%q): %v", c.sel, err)
		}
		if got := e.IsFiltered(sel); got != c.filtered {
			t.Fatalf("IsFiltered(%q) = %v, want %v", c.sel, got, c.filtered)
		}
	}
}

func TestEntitySetFlagRewritesCT(t *testing.T) {
	h := &fakeHost{}
	e := NewEntity(adc.SID(1), h)
	e.SetFlag(FlagOp)
	ct, ok := e.Field("CT")
	if !ok {
		t.Fatalf("expected CT to be set after SetFlag(FlagOp)")
	}
	if ct != "4" {
		t.Fatalf("expected CT=4 (FlagOp bit), got %q", ct)
	}
	e.UnsetFlag(FlagOp)
	ct, _ = e.Field("CT")
	if ct != "0" {
		t.Fatalf("expected CT=0 after clearing the only client-type bit, got %q", ct)
	}
}

func TestEntityPluginData(t *testing.T) {
	h := &fakeHost{}
	e := NewEntity(adc.SID(1), h)
	var deleted interface{}
	handle := RegisterPluginData("test", func(v interface{}) { deleted = v })
	e.SetPluginData(handle, 42)
	if v, ok := e.PluginData(handle); !ok || v != 42 {
		t.Fatalf("expected stored plugin data, got %v, %v", v, ok)
	}
	e.ClearPluginData(handle)
	if _, ok := e.PluginData(handle); ok {
		t.Fatalf("plugin data should be gone after Clear")
	}
	if deleted != 42 {
		t.Fatalf("deleter should have run with the cleared value, got %v", deleted)
	}
}

func TestEntityUpdateFieldsRejectsPD(t *testing.T) {
	h := &fakeHost{}
	e := NewEntity(adc.SID(1), h)
	e.UpdateFields([]string{"NInick", "PDsecret"})
	if _, ok := e.Field("PD"); ok {
		t.Fatalf("PD must never be stored as a visible field")
	}
	if v, _ := e.Field("NI"); v != "nick" {
		t.Fatalf("NI should have been applied, got %q", v)
	}
}
