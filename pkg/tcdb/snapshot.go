package tcdb

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/tc"
)

// Snapshot captures the code map of t: every stub, and every smashable
// site in sites decoded as it currently stands.
func Snapshot(t *tc.TC, sites []jit.SmashableLocation) (Session, []StubRecord, []SiteRecord) {
	s := Session{
		ID:      uuid.New(),
		Arch:    t.Backend.Name(),
		Created: time.Now().UTC(),
		Base:    uint64(t.StubCode.Base()),
	}

	var stubRecs []StubRecord
	for _, e := range t.Stubs.Entries() {
		var code bytes.Buffer
		code.Write(t.StubCode.Read(e.Start, e.Size()))
		if e.ColdEnd > e.ColdStart {
			code.Write(t.Cold.Read(e.ColdStart, int(e.ColdEnd-e.ColdStart)))
		}
		stubRecs = append(stubRecs, StubRecord{
			Name:      e.Name,
			Addr:      uint64(e.Addr),
			Start:     uint64(e.Start),
			End:       uint64(e.End),
			ColdStart: uint64(e.ColdStart),
			ColdEnd:   uint64(e.ColdEnd),
			Digest:    e.Digest,
			Code:      code.Bytes(),
		})
	}

	var siteRecs []SiteRecord
	b := t.Backend
	for _, loc := range sites {
		cb, ok := t.Dir.BlockFor(loc.Addr)
		if !ok {
			continue
		}
		r := SiteRecord{
			Addr: uint64(loc.Addr),
			Kind: loc.Kind.String(),
			Code: cb.Read(loc.Addr, b.Shape(loc.Kind).Len),
		}
		switch loc.Kind {
		case jit.KindLoadImm64:
			r.Value, _ = b.SmashableLoadImm64(loc.Addr)
		case jit.KindCmpImm32:
			imm, _ := b.SmashableCmpImm32(loc.Addr)
			r.Value = uint64(uint32(imm))
		case jit.KindCall:
			r.Value = uint64(b.SmashableCallTarget(loc.Addr))
		case jit.KindJump:
			r.Value = uint64(b.SmashableJumpTarget(loc.Addr))
		case jit.KindCondJump, jit.KindCondJumpThenJump:
			r.Value = uint64(b.SmashableCondJumpTarget(loc.Addr))
			r.Cond = b.SmashableCondJumpCond(loc.Addr).String()
		}
		siteRecs = append(siteRecs, r)
	}
	return s, stubRecs, siteRecs
}
