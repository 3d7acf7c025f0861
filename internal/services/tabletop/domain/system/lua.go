package system

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/Shopify/go-lua"

	"github.com/louisbranch/tabletop/internal/platform/timeouts"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/dice"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/patch"
	"github.com/louisbranch/tabletop/internal/services/tabletop/domain/state"
)

const (
	luaInitiative = "initiative"
	luaTokenSize  = "token_size"
	luaLifecycle  = "lifecycle_defaults"
	luaRoll       = "roll"

	maxLuaDepth = 16

	// hookInstructions is how many VM instructions run between deadline
	// checks.
	hookInstructions = 1000
)

// Scripted is a game system defined by a manifest entry and an optional Lua
// script. Script hooks take precedence over manifest tables.
//
// Scripts may define:
//
//	initiative(participants) -> { {id=..., turnOrder=...}, ... }
//	token_size(document) -> integer
//	lifecycle_defaults(scope) -> table
//
// and may call roll(sides) to roll a die with the caller's roller.
type Scripted struct {
	def Definition

	// timeout bounds each script run on top of the caller's context.
	timeout time.Duration

	mu     sync.Mutex
	state  *lua.State
	hooks  map[string]bool
	roller dice.Roller
}

// NewScripted compiles source, which may be empty, for def.
func NewScripted(def Definition, source string) (*Scripted, error) {
	s := &Scripted{def: def, timeout: timeouts.Plugin, hooks: map[string]bool{}}
	if strings.TrimSpace(source) == "" {
		return s, nil
	}

	l := lua.NewState()
	lua.OpenLibraries(l)
	l.Register(luaRoll, s.luaRoll)
	if err := lua.LoadBuffer(l, source, def.ID, ""); err != nil {
		return nil, fmt.Errorf("load script for %s: %w", def.ID, err)
	}
	if err := s.protectedCall(context.Background(), l, 0, 0); err != nil {
		return nil, fmt.Errorf("run script for %s: %w", def.ID, err)
	}
	for _, name := range []string{luaInitiative, luaTokenSize, luaLifecycle} {
		l.Global(name)
		s.hooks[name] = l.IsFunction(-1)
		l.Pop(1)
	}
	s.state = l
	return s, nil
}

func (s *Scripted) ID() string { return s.def.ID }

func (s *Scripted) Name() string {
	if s.def.Name == "" {
		return s.def.ID
	}
	return s.def.Name
}

func (s *Scripted) SupportsAutomaticCalculation() bool {
	return s.hooks[luaInitiative]
}

func (s *Scripted) CalculateInitiative(ctx context.Context, participants []state.Participant, roller dice.Roller) ([]state.Participant, error) {
	if !s.hooks[luaInitiative] {
		return nil, ErrAutomaticInitiativeUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.roller = roller
	defer func() { s.roller = nil }()

	input := make([]any, len(participants))
	for i, p := range participants {
		input[i] = map[string]any{
			"id":      p.ID,
			"tokenId": p.TokenID,
			"actorId": p.ActorID,
		}
	}
	result, err := s.call(ctx, luaInitiative, input)
	if err != nil {
		return nil, err
	}
	entries, ok := result.([]any)
	if !ok {
		if m, isMap := result.(map[string]any); isMap && len(m) == 0 {
			entries = nil
		} else {
			return nil, fmt.Errorf("%s: initiative must return a list", s.def.ID)
		}
	}

	byID := make(map[string]state.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}
	ordered := make([]state.Participant, 0, len(participants))
	for _, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: initiative entries must be tables", s.def.ID)
		}
		id, _ := fields["id"].(string)
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%s: initiative returned unknown participant %q", s.def.ID, id)
		}
		delete(byID, id)
		if order, ok := fields["turnOrder"].(float64); ok {
			p.TurnOrder = int(order)
		}
		ordered = append(ordered, p)
	}
	// Participants the script dropped keep their relative order at the end.
	for _, p := range participants {
		if _, missing := byID[p.ID]; missing {
			ordered = append(ordered, p)
		}
	}
	return ordered, nil
}

func (s *Scripted) TokenGridSize(doc state.Document) int {
	if s.hooks[luaTokenSize] {
		s.mu.Lock()
		result, err := s.call(context.Background(), luaTokenSize, documentTable(doc))
		s.mu.Unlock()
		if err == nil {
			if size, ok := result.(float64); ok && size >= 1 {
				return int(size)
			}
		}
	}
	if label, ok := doc.PluginData["size"].(string); ok {
		if size := s.def.TokenSizes[strings.ToLower(label)]; size >= 1 {
			return size
		}
	}
	return 1
}

func (s *Scripted) LifecycleDefaults(scope string) (map[string]any, error) {
	if s.hooks[luaLifecycle] {
		s.mu.Lock()
		result, err := s.call(context.Background(), luaLifecycle, scope)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		switch v := result.(type) {
		case nil:
			return nil, nil
		case map[string]any:
			return v, nil
		case []any:
			if len(v) == 0 {
				return map[string]any{}, nil
			}
		}
		return nil, fmt.Errorf("%s: lifecycle_defaults must return a table", s.def.ID)
	}
	defaults, ok := s.def.Lifecycle[scope]
	if !ok {
		return nil, nil
	}
	cloned, _ := patch.Clone(defaults).(map[string]any)
	return cloned, nil
}

// call invokes a global hook with one argument and converts its single
// result. Callers hold s.mu.
func (s *Scripted) call(ctx context.Context, name string, arg any) (any, error) {
	l := s.state
	top := l.Top()
	defer l.SetTop(top)

	l.Global(name)
	if err := pushValue(l, arg, 0); err != nil {
		return nil, err
	}
	if err := s.protectedCall(ctx, l, 1, 1); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", s.def.ID, name, err)
	}
	return toValue(l, -1, 0)
}

// protectedCall runs the function on top of the stack until it returns or
// ctx, further bounded by s.timeout, ends. A count hook aborts the script
// once the deadline passes.
func (s *Scripted) protectedCall(ctx context.Context, l *lua.State, args, results int) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		if ctx.Err() != nil {
			lua.Errorf(l, "script interrupted: %s", ctx.Err().Error())
		}
	}, lua.MaskCount, hookInstructions)
	defer lua.SetDebugHook(l, nil, 0, 0)

	err := l.ProtectedCall(args, results, 0)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Scripted) luaRoll(l *lua.State) int {
	sides := lua.CheckInteger(l, 1)
	roller := s.roller
	if roller == nil {
		lua.Errorf(l, "roll is only available during initiative")
		return 0
	}
	l.PushInteger(roller.Roll(sides))
	return 1
}

func documentTable(doc state.Document) map[string]any {
	table := map[string]any{
		"id":           doc.ID,
		"name":         doc.Name,
		"ownerId":      doc.OwnerID,
		"documentType": string(doc.DocumentType),
	}
	if doc.PluginData != nil {
		table["pluginData"] = doc.PluginData
	}
	return table
}

func pushValue(l *lua.State, v any, depth int) error {
	if depth > maxLuaDepth {
		return fmt.Errorf("value nested too deeply for lua")
	}
	switch value := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(value)
	case string:
		l.PushString(value)
	case int:
		l.PushInteger(value)
	case int64:
		l.PushNumber(float64(value))
	case float64:
		l.PushNumber(value)
	case []any:
		l.CreateTable(len(value), 0)
		for i, item := range value {
			if err := pushValue(l, item, depth+1); err != nil {
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(value))
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if err := pushValue(l, value[key], depth+1); err != nil {
				return err
			}
			l.SetField(-2, key)
		}
	default:
		l.PushString(fmt.Sprint(value))
	}
	return nil
}

// toValue converts the Lua value at index. Tables with keys 1..n become
// lists; other tables become maps with string keys. On error the stack is
// left for the caller to reset.
func toValue(l *lua.State, index int, depth int) (any, error) {
	if depth > maxLuaDepth {
		return nil, fmt.Errorf("lua value nested too deeply")
	}
	index = l.AbsIndex(index)
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return n, nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeTable:
		fields := map[string]any{}
		list := map[int]any{}
		l.PushNil()
		for l.Next(index) {
			value, err := toValue(l, -1, depth+1)
			if err != nil {
				return nil, err
			}
			switch l.TypeOf(-2) {
			case lua.TypeNumber:
				n, _ := l.ToNumber(-2)
				if n == float64(int(n)) && n >= 1 {
					list[int(n)] = value
				} else {
					fields[fmt.Sprint(n)] = value
				}
			case lua.TypeString:
				key, _ := l.ToString(-2)
				fields[key] = value
			}
			l.Pop(1)
		}
		if len(fields) == 0 && len(list) > 0 {
			out := make([]any, len(list))
			for i := 1; i <= len(list); i++ {
				item, ok := list[i]
				if !ok {
					return nil, fmt.Errorf("lua list has a gap at %d", i)
				}
				out[i-1] = item
			}
			return out, nil
		}
		for i, item := range list {
			fields[fmt.Sprint(i)] = item
		}
		return fields, nil
	default:
		return nil, fmt.Errorf("unsupported lua value %s", lua.TypeNameOf(l, index))
	}
}
