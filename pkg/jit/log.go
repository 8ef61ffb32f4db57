package jit

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "jit").Logger().
		Level(zerolog.InfoLevel)
	logger.Store(&l)
}

// Logger returns the logger used by the code generator.
func Logger() *zerolog.Logger {
	return logger.Load()
}

// SetLogger replaces the code generator's logger.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

// FatalError is the payload of a broken code generation invariant.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return e.Msg }

var fatalHandler atomic.Pointer[func(*FatalError)]

// SetFatalHandler installs fn to run before Fatalf terminates the process
// and returns a function restoring the previous handler. A handler that
// panics turns the abort into a recoverable panic.
func SetFatalHandler(fn func(*FatalError)) (restore func()) {
	prev := fatalHandler.Swap(&fn)
	return func() { fatalHandler.Store(prev) }
}

// Fatalf reports a contract or capacity violation. Generated code cannot be
// trusted past this point, so the process exits.
func Fatalf(format string, args ...any) {
	e := &FatalError{Msg: fmt.Sprintf(format, args...)}
	if h := fatalHandler.Load(); h != nil && *h != nil {
		(*h)(e)
	}
	Logger().Fatal().Msg(e.Msg)
}

// PanicOnFatal is a fatal handler for tests.
func PanicOnFatal(e *FatalError) { panic(e) }
