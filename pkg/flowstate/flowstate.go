// Package flowstate implements the per-conversation flow state service:
// a typed state bag tracking where a conversation is within a
// multi-step ordering flow, backed by an in-memory cache with a Postgres
// mirror for hydration after a cache miss or process restart.
package flowstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidStep is returned by Set when the requested step is not
// reachable from the current step in the flow type's transition graph.
var ErrInvalidStep = errors.New("flowstate: step not reachable from current state")

// State is the per-conversation flow state bag. An empty Type is the distinguished
// "no active flow" value.
type State struct {
	ConversationID string
	Type           string
	Step           string
	Draft          map[string]string
	Meta           map[string]string
	UpdatedAt      time.Time
}

// Active reports whether this State represents a running flow.
func (s State) Active() bool { return s.Type != "" }

// StepGraph maps a flow Type to its allowed step transitions: fromStep ->
// set of reachable toSteps. The empty fromStep "" is the flow's entry
// point (any step reachable from "" may start the flow).
type StepGraph map[string]map[string]bool

// Graphs holds one StepGraph per flow Type, consulted by Set.
type Graphs map[string]StepGraph

// DefaultGraphs are the three built-in ordering flow types. The
// per-domain product/branch/date matchers live with external
// collaborators; only the step skeleton is here.
func DefaultGraphs() Graphs {
	linear := func(steps ...string) StepGraph {
		g := make(StepGraph)
		prev := ""
		for _, s := range steps {
			if g[prev] == nil {
				g[prev] = make(map[string]bool)
			}
			g[prev][s] = true
			g[s] = map[string]bool{s: true} // self-loop: re-entering the same step (e.g. a correction) is always legal
			prev = s
		}
		return g
	}
	return Graphs{
		"ORDER_CREATE": linear("collect_items", "collect_branch", "collect_date", "confirm", "done"),
		"ORDER_STATUS": linear("collect_order_id", "reporting", "done"),
		"ORDER_MODIFY": linear("collect_order_id", "collect_changes", "confirm", "done"),
	}
}

func (g Graphs) allows(flowType, from, to string) bool {
	graph, ok := g[flowType]
	if !ok {
		return false
	}
	reachable, ok := graph[from]
	if !ok {
		return false
	}
	return reachable[to]
}

// Service is the flow state service.
type Service struct {
	pool   *pgxpool.Pool
	graphs Graphs

	mu    sync.RWMutex
	cache map[string]State
}

// New builds a Service. pool may be nil for pure in-memory use in tests.
func New(pool *pgxpool.Pool, graphs Graphs) *Service {
	if graphs == nil {
		graphs = DefaultGraphs()
	}
	return &Service{pool: pool, graphs: graphs, cache: make(map[string]State)}
}

// Get returns the cached state for conv, hydrating from Postgres on a
// cache miss.
func (s *Service) Get(ctx context.Context, convID string) (State, error) {
	s.mu.RLock()
	st, ok := s.cache[convID]
	s.mu.RUnlock()
	if ok {
		return st, nil
	}
	return s.Hydrate(ctx, convID)
}

// Hydrate forcibly reloads conv's state from the persistent mirror,
// populating the cache. A missing row hydrates to the empty "no active
// flow" state.
func (s *Service) Hydrate(ctx context.Context, convID string) (State, error) {
	st := State{ConversationID: convID}
	if s.pool != nil {
		row := s.pool.QueryRow(ctx, `
			SELECT flow_type, step, draft, meta, updated_at FROM flow_states WHERE conversation_id = $1`, convID)
		var draftRaw, metaRaw json.RawMessage
		err := row.Scan(&st.Type, &st.Step, &draftRaw, &metaRaw, &st.UpdatedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// no active flow; st stays zero-valued
		case err != nil:
			return State{}, fmt.Errorf("flowstate: hydrate %q: %w", convID, err)
		default:
			_ = json.Unmarshal(draftRaw, &st.Draft)
			_ = json.Unmarshal(metaRaw, &st.Meta)
		}
	}
	s.mu.Lock()
	s.cache[convID] = st
	s.mu.Unlock()
	return st, nil
}

// Set validates that st.Step is reachable from the current cached step
// within st.Type's graph, then persists and caches the new state.
func (s *Service) Set(ctx context.Context, st State) error {
	current, err := s.Get(ctx, st.ConversationID)
	if err != nil {
		return err
	}
	from := ""
	if current.Type == st.Type {
		from = current.Step
	}
	if !s.graphs.allows(st.Type, from, st.Step) {
		return fmt.Errorf("%w: type=%s from=%q to=%q", ErrInvalidStep, st.Type, from, st.Step)
	}
	st.UpdatedAt = time.Now().UTC()

	if s.pool != nil {
		draftRaw, _ := json.Marshal(st.Draft)
		metaRaw, _ := json.Marshal(st.Meta)
		_, err := s.pool.Exec(ctx, `
			INSERT INTO flow_states (conversation_id, flow_type, step, draft, meta, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (conversation_id) DO UPDATE SET
				flow_type = EXCLUDED.flow_type, step = EXCLUDED.step, draft = EXCLUDED.draft,
				meta = EXCLUDED.meta, updated_at = EXCLUDED.updated_at`,
			st.ConversationID, st.Type, st.Step, draftRaw, metaRaw, st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("flowstate: set %q: %w", st.ConversationID, err)
		}
	}

	s.mu.Lock()
	s.cache[st.ConversationID] = st
	s.mu.Unlock()
	return nil
}

// Clear destroys conv's flow state (terminal step or explicit cancel).
func (s *Service) Clear(ctx context.Context, convID string) error {
	if s.pool != nil {
		if _, err := s.pool.Exec(ctx, `DELETE FROM flow_states WHERE conversation_id = $1`, convID); err != nil {
			return fmt.Errorf("flowstate: clear %q: %w", convID, err)
		}
	}
	s.mu.Lock()
	delete(s.cache, convID)
	s.mu.Unlock()
	return nil
}
