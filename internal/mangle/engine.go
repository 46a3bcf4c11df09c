// Package mangle journals session lifecycle facts in a Mangle fact store so tools can query them.
//
// Facts arrive from the coordinator as they happen. The journal keeps the newest
// FactBufferLimit of them; the Mangle store always mirrors that window, and the lifecycle
// program below (plus an optional user schema) derives views such as open_tab/1 from it.
package mangle

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"browsercoord-mcp-server/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// lifecycleProgram declares the facts the coordinator emits and derives the live view.
const lifecycleProgram = `
Decl session_started(Id, Strategy).
Decl session_closed(Id).
Decl session_restarted(Clean, Captured).
Decl tab_opened(Tab, Url).
Decl tab_closed(Tab).
Decl download_started(Tab, Name, Path).
Decl download_finished(Tab, Name, Path).
Decl navigation_event(Tab, Url).
Decl dialog_shown(Tab, Type, Message).

closed_tab(Tab) :- tab_closed(Tab).
open_tab(Tab) :- tab_opened(Tab, _), !closed_tab(Tab).

finished_download(Tab, Name) :- download_finished(Tab, Name, _).
pending_download(Tab, Name) :- download_started(Tab, Name, _), !finished_download(Tab, Name).
`

// Fact is one lifecycle event emitted by the coordinator.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Engine is the fact journal.
type Engine struct {
	cfg config.MangleConfig

	mu      sync.RWMutex
	program *analysis.ProgramInfo
	store   factstore.FactStore
	facts   []Fact
	index   map[string][]int
}

// NewEngine builds a journal with the lifecycle program, extended by cfg.SchemaPath when set.
func NewEngine(cfg config.MangleConfig) (*Engine, error) {
	e := &Engine{
		cfg:   cfg,
		facts: make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index: make(map[string][]int),
		store: factstore.NewSimpleInMemoryStore(),
	}
	if !cfg.Enable {
		return e, nil
	}

	if err := e.compile(lifecycleProgram); err != nil {
		return nil, fmt.Errorf("lifecycle program: %w", err)
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadSchema adds the rules in path on top of the lifecycle program. The schema may use every
// lifecycle predicate but must not redeclare them.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if err := e.compile(lifecycleProgram + "\n" + string(data)); err != nil {
		return fmt.Errorf("schema %s: %w", path, err)
	}
	return nil
}

func (e *Engine) compile(source string) error {
	unit, err := parse.Unit(strings.NewReader(source))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	program, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.program = program
	e.rebuildLocked()
	return e.evalLocked()
}

// AddFacts appends facts to the journal and re-derives the program's views.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.facts = append(e.facts, facts...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = append(e.facts[:0:0], e.facts[len(e.facts)-limit:]...)
		e.rebuildLocked()
		return e.evalLocked()
	}

	base := len(e.facts) - len(facts)
	for i, f := range facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
	}
	if e.program != nil {
		// Derived views use negation, so they are recomputed from the journal rather than
		// accumulated: an open_tab derived before its tab_closed arrived must disappear.
		e.rebuildLocked()
		return e.evalLocked()
	}
	for _, f := range facts {
		e.store.Add(toAtom(f))
	}
	return nil
}

func (e *Engine) evalLocked() error {
	if e.program == nil {
		return nil
	}
	if err := engine.EvalProgram(e.program, e.store); err != nil {
		return fmt.Errorf("evaluate lifecycle program: %w", err)
	}
	return nil
}

func (e *Engine) rebuildLocked() {
	e.index = make(map[string][]int)
	e.store = factstore.NewSimpleInMemoryStore()
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
		e.store.Add(toAtom(f))
	}
}

// Query runs a single-atom query such as `dialog_shown(Tab, Type, Message).` or
// `open_tab(Tab).` and returns one binding per matching fact.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	if !e.cfg.Enable {
		return nil, fmt.Errorf("fact journal disabled")
	}

	unit, err := parse.Unit(strings.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	goal := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(goal, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range goal.Args {
			if i >= len(atom.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				result[v.Symbol] = fromTerm(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	if len(results) == 0 {
		results = e.matchJournalLocked(goal)
	}
	return results, nil
}

// matchJournalLocked answers goals whose arity differs from the stored facts, treating missing
// trailing arguments as wildcards.
func (e *Engine) matchJournalLocked(goal ast.Atom) []QueryResult {
	results := make([]QueryResult, 0)
	for _, idx := range e.index[goal.Predicate.Symbol] {
		f := e.facts[idx]
		if len(f.Args) < len(goal.Args) {
			continue
		}

		result := make(QueryResult)
		matches := true
		for i, term := range goal.Args {
			switch arg := term.(type) {
			case ast.Variable:
				if arg.Symbol != "_" {
					result[arg.Symbol] = f.Args[i]
				}
			case ast.Constant:
				matches = fmt.Sprint(f.Args[i]) == fmt.Sprint(fromTerm(arg))
			}
			if !matches {
				break
			}
		}
		if matches {
			results = append(results, result)
		}
	}
	return results
}

// FactsByPredicate returns journaled facts for predicate in insertion order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	out := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		out = append(out, e.facts[idx])
	}
	return out
}

// Facts returns a copy of the journal.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func fromTerm(term ast.BaseTerm) interface{} {
	switch t := term.(type) {
	case nil:
		return nil
	case ast.Constant:
		switch t.Type {
		case ast.StringType:
			val, _ := t.StringValue()
			return val
		case ast.NumberType:
			return t.NumberValue
		case ast.Float64Type:
			if val, err := t.Float64Value(); err == nil {
				return val
			}
		}
		return t.String()
	case ast.Variable:
		return t.Symbol
	default:
		return fmt.Sprintf("%v", term)
	}
}
