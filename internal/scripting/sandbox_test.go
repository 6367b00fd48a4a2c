package scripting_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/mudbridge/internal/scripting"
)

func TestNewSandbox_Globals(t *testing.T) {
	L := scripting.NewSandbox(0)
	defer L.Close()

	for _, name := range []string{"os", "io", "debug", "package", "dofile", "loadfile", "load", "loadstring", "require", "collectgarbage", "print"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "%s should be unavailable", name)
	}
	for _, name := range []string{"string", "table", "math", "pairs", "tostring"} {
		assert.NotEqual(t, lua.LNil, L.GetGlobal(name), "%s should be available", name)
	}
}

func TestNewSandbox_PromptStyleCode(t *testing.T) {
	L := scripting.NewSandbox(0)
	defer L.Close()

	require.NoError(t, L.DoString(`
		local s = string.lower("Password: ")
		assert(string.find(s, "password:", 1, true) == 1)
		local parts = {}
		for w in string.gmatch("a b c", "%S+") do table.insert(parts, w) end
		assert(#parts == 3 and math.max(1, #parts) == 3)
	`))
}

func TestNewSandbox_BudgetStopsRunawayScript(t *testing.T) {
	L := scripting.NewSandbox(10)
	defer L.Close()
	assert.Error(t, L.DoString(`while true do end`))
}

func TestResetBudget_AllowsFurtherCalls(t *testing.T) {
	L := scripting.NewSandbox(10)
	defer L.Close()
	require.Error(t, L.DoString(`while true do end`))

	release := scripting.ResetBudget(L, 0)
	defer release()
	assert.NoError(t, L.DoString(`local x = 1 + 1`))
}

func TestPropertyBudgetAlwaysStopsInfiniteLoop(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 500).Draw(rt, "limit")
		L := scripting.NewSandbox(limit)
		defer L.Close()
		if err := L.DoString(`while true do end`); err == nil {
			rt.Fatalf("limit %d: infinite loop was not stopped", limit)
		}
	})
}
