// Package scripting runs operator-supplied Lua predicates for backend output
// in a restricted GopherLua VM. It depends on neither session nor transport
// code; Predicates satisfies the backend detector interfaces structurally.
package scripting

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the opcode budget for one script load or one
// predicate call when none is configured.
const DefaultInstructionLimit = 100_000

// strippedGlobals are base-library functions a predicate has no use for:
// file and module loading, chunk compilation, GC control, environment
// switching and stdout.
var strippedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "setfenv", "getfenv", "print",
}

// opBudget is a context that cancels itself once Done has been polled
// limit times. The VM polls Done once per opcode, so this caps the number
// of instructions a call may execute.
type opBudget struct {
	context.Context
	cancel context.CancelFunc
	left   atomic.Int64
}

func (b *opBudget) Done() <-chan struct{} {
	if b.left.Add(-1) <= 0 {
		b.cancel()
	}
	return b.Context.Done()
}

func newOpBudget(limit int) *opBudget {
	ctx, cancel := context.WithCancel(context.Background())
	b := &opBudget{Context: ctx, cancel: cancel}
	b.left.Store(int64(limit))
	return b
}

// NewSandbox returns a VM with only the base, table, string and math
// libraries, minus strippedGlobals, carrying a budget of instLimit opcodes
// for loading a script.
//
// Precondition: instLimit >= 0; 0 uses DefaultInstructionLimit.
// Postcondition: The caller owns the VM and must Close it.
func NewSandbox(instLimit int) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []lua.LGFunction{lua.OpenBase, lua.OpenTable, lua.OpenString, lua.OpenMath} {
		open(L)
	}
	for _, name := range strippedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	ResetBudget(L, instLimit)
	return L
}

// ResetBudget gives L a fresh budget of instLimit opcodes. The returned
// function releases it.
//
// Precondition: instLimit >= 0; 0 uses DefaultInstructionLimit.
func ResetBudget(L *lua.LState, instLimit int) context.CancelFunc {
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	b := newOpBudget(instLimit)
	L.SetContext(b)
	return b.cancel
}
