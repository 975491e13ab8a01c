package guardrail

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"villagesim.ai/internal/sim/model"
)

// Scripts holds rules defined in Lua. Each .lua file returns a table:
//
//	return {
//	  name = "chat-needs-company",
//	  actions = {"chat"},
//	  outcome = "rewrite",     -- or "block"
//	  rewrite_to = "observe",
//	  reason = "...",
//	  when = function(ctx) return ctx.minute_of_day < 360 end,
//	}
//
// A single VM backs all files; rules must be evaluated from one goroutine.
type Scripts struct {
	vm    *lua.LState
	log   *zap.Logger
	rules []Rule
}

// LoadScripts loads every .lua file in dir in file-name order. A missing dir yields no rules.
func LoadScripts(dir string, log *zap.Logger) (*Scripts, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(1))
	s := &Scripts{vm: vm, log: log}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		vm.Close()
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		r, err := s.loadFile(path)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if err := r.Validate(); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		s.rules = append(s.rules, r)
		log.Debug("loaded lua rule", zap.String("file", path), zap.String("rule", r.Name))
	}
	return s, nil
}

func (s *Scripts) Rules() []Rule { return append([]Rule(nil), s.rules...) }

func (s *Scripts) Close() {
	if s.vm != nil {
		s.vm.Close()
	}
}

func (s *Scripts) loadFile(path string) (Rule, error) {
	top := s.vm.GetTop()
	if err := s.vm.DoFile(path); err != nil {
		return Rule{}, err
	}
	if s.vm.GetTop() == top {
		return Rule{}, fmt.Errorf("script returned nothing")
	}
	ret := s.vm.Get(-1)
	s.vm.SetTop(top)
	t, ok := ret.(*lua.LTable)
	if !ok {
		return Rule{}, fmt.Errorf("script returned %s, want table", ret.Type())
	}

	r := Rule{
		Name:      lua.LVAsString(t.RawGetString("name")),
		Outcome:   Outcome(lua.LVAsString(t.RawGetString("outcome"))),
		RewriteTo: model.ActionType(lua.LVAsString(t.RawGetString("rewrite_to"))),
		Reason:    lua.LVAsString(t.RawGetString("reason")),
	}
	if acts, ok := t.RawGetString("actions").(*lua.LTable); ok {
		acts.ForEach(func(_, v lua.LValue) {
			r.Actions = append(r.Actions, model.ActionType(lua.LVAsString(v)))
		})
	}
	if fn, ok := t.RawGetString("when").(*lua.LFunction); ok {
		name := r.Name
		r.When = func(c Context) bool { return s.call(name, fn, c) }
	}
	return r, nil
}

// call runs a predicate. Script errors count as "does not apply".
func (s *Scripts) call(rule string, fn *lua.LFunction, c Context) bool {
	if err := s.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, s.contextTable(c)); err != nil {
		s.log.Error("lua rule error", zap.String("rule", rule), zap.Error(err))
		return false
	}
	ret := s.vm.Get(-1)
	s.vm.Pop(1)
	return lua.LVAsBool(ret)
}

func (s *Scripts) contextTable(c Context) *lua.LTable {
	t := s.vm.NewTable()
	t.RawSetString("agent_id", lua.LString(c.Agent.ID))
	t.RawSetString("name", lua.LString(c.Agent.Name))
	t.RawSetString("role", lua.LString(c.Agent.Role))
	t.RawSetString("mood", lua.LString(c.Agent.Mood))
	t.RawSetString("home", lua.LString(c.Agent.Home))
	traits := s.vm.NewTable()
	for k, v := range c.Agent.Traits {
		traits.RawSetString(k, lua.LNumber(v))
	}
	t.RawSetString("traits", traits)
	t.RawSetString("tick", lua.LNumber(c.Time.Tick))
	t.RawSetString("day", lua.LNumber(c.Time.Day))
	t.RawSetString("minute_of_day", lua.LNumber(c.Time.MinuteOfDay))
	t.RawSetString("position", lua.LString(c.Position))
	t.RawSetString("action", lua.LString(c.Decision.Action))
	t.RawSetString("target", lua.LString(c.Decision.TargetTileID))
	return t
}
