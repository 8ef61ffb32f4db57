package jit

// SmashableLocation is one emitted patchable instruction.
type SmashableLocation struct {
	Addr TCA
	Kind Kind
}

// Reloc is a pc-relative branch whose target lies outside the unit that
// emitted it. Moving the code requires re-encoding the branch.
type Reloc struct {
	Site   TCA
	Target TCA
}

// Meta collects the fixups produced while emitting code. Emitters only
// append; the bookkeeping pass consumes the contents once with Take.
type Meta struct {
	Smashable []SmashableLocation
	Relocs    []Reloc
}

func (m *Meta) AddSmashable(addr TCA, k Kind) {
	m.Smashable = append(m.Smashable, SmashableLocation{Addr: addr, Kind: k})
}

func (m *Meta) AddReloc(site, target TCA) {
	m.Relocs = append(m.Relocs, Reloc{Site: site, Target: target})
}

// IsSmashable reports whether addr was recorded as a smashable start.
func (m Meta) IsSmashable(addr TCA) bool {
	for _, l := range m.Smashable {
		if l.Addr == addr {
			return true
		}
	}
	return false
}

func (m Meta) Empty() bool {
	return len(m.Smashable) == 0 && len(m.Relocs) == 0
}

// Take returns the collected fixups and leaves m empty.
func (m *Meta) Take() Meta {
	out := *m
	*m = Meta{}
	return out
}
