// Package tc ties the code generation pieces into one translation cache:
// the mapped memory, its blocks and directory, the backend lowering into
// them and the unique stubs built at startup.
package tc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/arch"
	"github.com/ascrivener/tcgen/pkg/jit/codegen"
	"github.com/ascrivener/tcgen/pkg/jit/stubs"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

var ErrClosed = errors.New("translation cache is closed")

// Runtime is the native side of the VM the cache serves.
type Runtime struct {
	stubs.Runtime
	// TLSGetSpecific looks up thread-local data when fast TLS is off.
	TLSGetSpecific jit.TCA
}

// TC is a translation cache. Translations are lowered one at a time; the
// stubs are shared by all of them and never change once built.
type TC struct {
	opts jit.Options
	mem  *codecache.Memory

	// StubCode holds the unique stubs, Main and Cold the translations.
	// Cold also receives the stubs' slow paths.
	StubCode *codecache.Block
	Main     *codecache.Block
	Cold     *codecache.Block

	Dir     *codecache.Directory
	Backend arch.Backend
	Context *codegen.Context
	Stubs   *stubs.UniqueStubs

	mu           sync.Mutex
	meta         jit.Meta
	translations int
	smashables   int
	closed       bool
}

// New maps the code memory described by opts and builds the stubs into it.
func New(opts jit.Options, rt Runtime) (*TC, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	size := opts.StubSize + opts.CodeSize + opts.ColdSize + 3*jit.AlignCacheLine
	mem, err := codecache.NewMemory(size, uintptr(opts.BaseHint))
	if err != nil {
		return nil, err
	}
	tc, err := newTC(opts, rt, mem)
	if err != nil {
		if ferr := mem.Free(); ferr != nil {
			err = multierror.Append(err, ferr)
		}
		return nil, err
	}

	jit.Logger().Info().
		Str("arch", opts.Arch).
		Stringer("base", mem.Base()).
		Int("size", mem.Capacity()).
		Int("stubBytes", tc.StubCode.Used()).
		Msg("translation cache ready")
	return tc, nil
}

func newTC(opts jit.Options, rt Runtime, mem *codecache.Memory) (*TC, error) {
	tc := &TC{opts: opts, mem: mem}
	var err error
	if tc.StubCode, err = mem.Carve("stubs", opts.StubSize); err != nil {
		return nil, err
	}
	if tc.Main, err = mem.Carve("main", opts.CodeSize); err != nil {
		return nil, err
	}
	if tc.Cold, err = mem.Carve("cold", opts.ColdSize); err != nil {
		return nil, err
	}
	if tc.Dir, err = codecache.NewDirectory(tc.StubCode, tc.Main, tc.Cold); err != nil {
		return nil, err
	}
	if tc.Backend, err = arch.New(opts, tc.Dir); err != nil {
		return nil, err
	}
	tc.Context = codegen.NewContext(tc.Backend, opts)
	tc.Context.TLSGetSpecific = rt.TLSGetSpecific
	if tc.Stubs, err = stubs.Build(tc.Backend, tc.StubCode, tc.Cold, rt.Runtime, tc.Context); err != nil {
		return nil, fmt.Errorf("failed to build unique stubs: %w", err)
	}
	return tc, nil
}

func (tc *TC) Options() jit.Options { return tc.opts }

// Translate lowers u into Main and Cold. Its fixups are kept until
// TakeMeta.
func (tc *TC) Translate(u *vasm.Unit) (*vasm.Layout, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.closed {
		return nil, ErrClosed
	}
	before := len(tc.meta.Smashable)
	l := tc.Backend.Lower(u, tc.Main, tc.Cold, &tc.meta)
	tc.translations++
	tc.smashables += len(tc.meta.Smashable) - before
	return l, nil
}

// TakeMeta hands the fixups collected since the last call to the caller.
func (tc *TC) TakeMeta() jit.Meta {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.meta.Take()
}

// Machine returns an interpreter that reaches the stubs by address.
func (tc *TC) Machine() *vasm.Machine {
	abi := tc.Backend.ABI()
	m := vasm.NewMachine(abi.SP)
	m.CallPush = int(abi.ReturnAddrSize)
	tc.Stubs.Bind(m)
	return m
}

type Stats struct {
	Arch         string
	Stubs        int
	StubBytes    int
	MainUsed     int
	MainCapacity int
	ColdUsed     int
	ColdCapacity int
	Translations int
	Smashables   int
}

func (tc *TC) Stats() Stats {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return Stats{
		Arch:         tc.Backend.Name(),
		Stubs:        len(tc.Stubs.Entries()),
		StubBytes:    tc.StubCode.Used(),
		MainUsed:     tc.Main.Used(),
		MainCapacity: tc.Main.Capacity(),
		ColdUsed:     tc.Cold.Used(),
		ColdCapacity: tc.Cold.Capacity(),
		Translations: tc.translations,
		Smashables:   tc.smashables,
	}
}

// Close checks that the stubs are intact and unmaps the code memory. Both
// happen regardless of the other failing.
func (tc *TC) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.closed {
		return nil
	}
	tc.closed = true

	var result *multierror.Error
	if err := tc.Stubs.Verify(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := tc.mem.Free(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
