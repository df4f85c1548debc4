package lua

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/dftworks/abiflow/internal/abivars"
	"github.com/dftworks/abiflow/internal/flow"
)

// Runtime executes Lua flow scripts in a sandboxed environment. A script
// describes a workflow graph: which works exist, their input decks and
// the artifacts they exchange. The script builds the graph, it never runs
// the solver itself.
type Runtime struct {
	flow *flow.Flow
	logs []string
}

// NewRuntime creates a runtime that builds into a fresh flow rooted at
// workdir.
func NewRuntime(workdir, name string, reg *abivars.Registry) *Runtime {
	return &Runtime{
		flow: flow.New(workdir, name, reg),
		logs: make([]string, 0),
	}
}

// Execute runs the flow script and returns the built flow. The script
// must define a 'build' function; the graph it registers is validated and
// built before being handed back.
func (r *Runtime) Execute(scriptPath string) (*flow.Flow, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(string(script)); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	build := L.GetGlobal("build")
	if build == lua.LNil {
		return nil, fmt.Errorf("script must define a 'build' function")
	}

	L.Push(build)
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, fmt.Errorf("flow script failed: %w", err)
	}

	if err := r.flow.Build(); err != nil {
		return nil, err
	}
	return r.flow, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// registerAPI registers the graph-building API functions
func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("work", L.NewFunction(r.luaWork))
	L.SetGlobal("task", L.NewFunction(r.luaTask))
	L.SetGlobal("dynamic_work", L.NewFunction(r.luaDynamicWork))
	L.SetGlobal("products", L.NewFunction(r.luaProducts))
	L.SetGlobal("dep", L.NewFunction(r.luaDep))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaWork implements work(name, dep...) -> work handle
func (r *Runtime) luaWork(L *lua.LState) int {
	name := L.CheckString(1)
	deps, err := r.depsFromArgs(L, 2)
	if err != nil {
		L.RaiseError("work %q: %v", name, err)
		return 0
	}

	w, err := r.flow.RegisterWork(name, deps...)
	if err != nil {
		L.RaiseError("work %q: %v", name, err)
		return 0
	}
	L.Push(r.wrap(L, w))
	return 1
}

// luaTask implements task(work, vars) -> task handle
func (r *Runtime) luaTask(L *lua.LState) int {
	w, ok := r.unwrapWork(L.CheckUserData(1))
	if !ok {
		L.ArgError(1, "expected a work handle")
		return 0
	}
	vars, err := r.varsFromTable(L.CheckTable(2))
	if err != nil {
		L.RaiseError("task in work %s: %v", w.Name, err)
		return 0
	}

	t, err := w.Register(vars)
	if err != nil {
		L.RaiseError("task in work %s: %v", w.Name, err)
		return 0
	}
	L.Push(r.wrap(L, t))
	return 1
}

// luaDynamicWork implements dynamic_work(kind, name, template, dep...)
func (r *Runtime) luaDynamicWork(L *lua.LState) int {
	kind := L.CheckString(1)
	name := L.CheckString(2)
	template, err := r.varsFromTable(L.CheckTable(3))
	if err != nil {
		L.RaiseError("dynamic_work %q: %v", name, err)
		return 0
	}
	deps, err := r.depsFromArgs(L, 4)
	if err != nil {
		L.RaiseError("dynamic_work %q: %v", name, err)
		return 0
	}

	w, err := r.flow.RegisterDynamicWork(kind, name, template, deps...)
	if err != nil {
		L.RaiseError("dynamic_work %q: %v", name, err)
		return 0
	}
	L.Push(r.wrap(L, w))
	return 1
}

// luaProducts implements products(task, kind...)
func (r *Runtime) luaProducts(L *lua.LState) int {
	ud := L.CheckUserData(1)
	t, ok := ud.Value.(*flow.Task)
	if !ok {
		L.ArgError(1, "expected a task handle")
		return 0
	}
	kinds := make([]string, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		kinds = append(kinds, L.CheckString(i))
	}
	t.SetProducts(kinds...)
	return 0
}

// luaDep implements dep(producer, kind, soft?) -> dep table
func (r *Runtime) luaDep(L *lua.LState) int {
	ud := L.CheckUserData(1)
	kind := L.CheckString(2)
	soft := L.OptBool(3, false)

	if _, ok := ud.Value.(flow.Node); !ok {
		L.ArgError(1, "expected a work or task handle")
		return 0
	}
	tbl := L.NewTable()
	L.SetField(tbl, "producer", ud)
	L.SetField(tbl, "kind", lua.LString(kind))
	L.SetField(tbl, "soft", lua.LBool(soft))
	L.Push(tbl)
	return 1
}

// luaLog implements the log(message) API
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	return 0
}

// GetLogs returns the logs collected during execution
func (r *Runtime) GetLogs() []string {
	return r.logs
}

func (r *Runtime) wrap(L *lua.LState, v any) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = v
	return ud
}

func (r *Runtime) unwrapWork(ud *lua.LUserData) (*flow.Work, bool) {
	w, ok := ud.Value.(*flow.Work)
	return w, ok
}

// depsFromArgs reads dep tables from argument position start onwards.
func (r *Runtime) depsFromArgs(L *lua.LState, start int) ([]flow.Dep, error) {
	var deps []flow.Dep
	for i := start; i <= L.GetTop(); i++ {
		tbl, ok := L.Get(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("argument %d: expected a dep table", i)
		}
		ud, ok := L.GetField(tbl, "producer").(*lua.LUserData)
		if !ok {
			return nil, fmt.Errorf("argument %d: dep has no producer", i)
		}
		node, ok := ud.Value.(flow.Node)
		if !ok {
			return nil, fmt.Errorf("argument %d: producer is not a graph node", i)
		}
		kind, ok := L.GetField(tbl, "kind").(lua.LString)
		if !ok {
			return nil, fmt.Errorf("argument %d: dep has no kind", i)
		}
		soft := L.GetField(tbl, "soft") == lua.LTrue
		deps = append(deps, flow.Dep{Producer: node, Kind: string(kind), Soft: soft})
	}
	return deps, nil
}

// varsFromTable converts a Lua table into an input deck.
func (r *Runtime) varsFromTable(tbl *lua.LTable) (*abivars.Input, error) {
	vars := map[string]any{}
	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			convErr = fmt.Errorf("deck keys must be strings, got %s", k.Type())
			return
		}
		val, err := luaToGo(v)
		if err != nil {
			convErr = fmt.Errorf("deck key %s: %w", key, err)
			return
		}
		vars[string(key)] = val
	})
	if convErr != nil {
		return nil, convErr
	}
	return abivars.FromMap(vars), nil
}

// luaToGo converts a Lua value to a deck value
func luaToGo(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		var items []any
		var convErr error
		val.ForEach(func(k, item lua.LValue) {
			if _, ok := k.(lua.LNumber); !ok {
				convErr = fmt.Errorf("nested deck tables must be arrays")
				return
			}
			converted, err := luaToGo(item)
			if err != nil {
				convErr = err
				return
			}
			items = append(items, converted)
		})
		if convErr != nil {
			return nil, convErr
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unsupported deck value type %s", v.Type())
	}
}

// IsFlowScript checks if a file is a Lua flow script
func IsFlowScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
