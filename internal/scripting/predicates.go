package scripting

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Hook names looked up in a predicate script.
const (
	PromptHook     = "is_prompt"
	DisconnectHook = "is_disconnect"
)

// Predicates evaluates the is_prompt and is_disconnect functions of one Lua
// script. It satisfies backend.PromptDetector and backend.LineMatcher.
//
// Predicates is safe for concurrent use; calls are serialized on one VM.
type Predicates struct {
	mu        sync.Mutex
	L         *lua.LState
	instLimit int
	path      string
	logger    *zap.Logger
}

// LoadPredicates runs the script at path in a fresh sandbox.
//
// Precondition: path must name a readable Lua file; logger must be non-nil.
// Postcondition: Returns a ready Predicates or a non-nil error.
func LoadPredicates(path string, instLimit int, logger *zap.Logger) (*Predicates, error) {
	L := NewSandbox(instLimit)
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("scripting: loading %q: %w", path, err)
	}
	return &Predicates{L: L, instLimit: instLimit, path: path, logger: logger}, nil
}

// HasPrompt reports whether the script defines is_prompt.
func (p *Predicates) HasPrompt() bool { return p.defined(PromptHook) }

// HasDisconnect reports whether the script defines is_disconnect.
func (p *Predicates) HasDisconnect() bool { return p.defined(DisconnectHook) }

// IsPrompt calls is_prompt(text). A missing function or a runtime error yields false.
func (p *Predicates) IsPrompt(text string) bool {
	return p.call(PromptHook, text)
}

// Match calls is_disconnect(line). A missing function or a runtime error yields false.
func (p *Predicates) Match(line string) bool {
	return p.call(DisconnectHook, line)
}

// Close releases the VM.
func (p *Predicates) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.L.Close()
}

func (p *Predicates) defined(hook string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.L.GetGlobal(hook).Type() == lua.LTFunction
}

func (p *Predicates) call(hook, arg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn := p.L.GetGlobal(hook)
	if fn.Type() != lua.LTFunction {
		return false
	}

	cancel := ResetBudget(p.L, p.instLimit)
	defer cancel()

	if err := p.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, lua.LString(arg)); err != nil {
		p.logger.Warn("scripting: Lua runtime error",
			zap.String("script", p.path),
			zap.String("hook", hook),
			zap.Error(err),
		)
		return false
	}

	ret := p.L.Get(-1)
	p.L.Pop(1)
	return lua.LVAsBool(ret)
}
