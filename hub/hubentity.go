package hub

import "github.com/riftwave/adchub/adc"

// newHubEntity builds the pseudo-entity with SID AAAA that represents
// the hub itself in type-INFO/HUB traffic: its SUP and INF greet every
// new connection leaving PROTOCOL, around the ISID that carries the
// client's own SID.
func newHubEntity(conf *Config, host entityHost) *Entity {
	e := NewEntity(adc.HubSID, host)
	e.SetFlag(FlagHub)
	e.AddSupports(adc.FeaBASE)
	e.AddSupports(adc.FeaTIGR)
	e.AddSupports(adc.FeaHBRI)
	e.SetField("NI", conf.HubName)
	e.SetField("DE", conf.Desc)
	e.SetState(StateNormal)
	return e
}
