package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fsmawi/wip/pkg/api"
	"github.com/fsmawi/wip/pkg/statetable"
)

// DefaultVersion is assigned to task definitions registered without a version.
const DefaultVersion = "v1"

// taskType is a task definition bound to its parsed table. It is immutable
// once registered.
type taskType struct {
	def   api.TaskDefinition
	table *statetable.Table
}

type typeRegistry struct {
	mu     sync.RWMutex
	byName map[string]map[string]*taskType

	// latest is the most recently registered version per name; Enqueue binds
	// new tasks to it.
	latest map[string]string
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{
		byName: make(map[string]map[string]*taskType),
		latest: make(map[string]string),
	}
}

// bind parses the definition's table and resolves every transition method
// and state binding. It fails on anything that would otherwise surface
// only when a task reaches the offending state.
func bind(def api.TaskDefinition) (*taskType, error) {
	if def.Name == "" {
		return nil, &api.ValidationError{Field: "name", Reason: "task type name is required"}
	}
	if def.Version == "" {
		def.Version = DefaultVersion
	}

	table, err := statetable.Parse(def.Name, def.Table)
	if err != nil {
		return nil, err
	}

	for _, name := range table.Order {
		st := table.States[name]
		if st.TransitionMethod == "" {
			continue
		}
		if def.Transitions[st.TransitionMethod] == nil {
			return nil, &api.MalformedStateTableError{
				Table:  def.Name,
				State:  name,
				Line:   st.Line,
				Reason: fmt.Sprintf("transition method %q is not implemented", st.TransitionMethod),
			}
		}
	}

	declared := make(map[string]bool)
	for _, m := range table.Methods() {
		declared[m] = true
	}
	for _, m := range sortedKeys(def.Transitions) {
		if !declared[m] {
			return nil, &api.MalformedStateTableError{
				Table:  def.Name,
				Reason: fmt.Sprintf("transition method %q is not referenced by any state", m),
			}
		}
	}
	for _, name := range sortedKeys(def.States) {
		if table.State(name) == nil {
			return nil, &api.MalformedStateTableError{
				Table:  def.Name,
				State:  name,
				Reason: "logic bound to a state the table does not declare",
			}
		}
	}

	return &taskType{def: def, table: table}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Register binds and stores def. Registering an existing name and version
// again succeeds only when the table is unchanged; the new functions then
// replace the old ones.
func (r *typeRegistry) Register(def api.TaskDefinition) (*taskType, error) {
	tt, err := bind(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byName[tt.def.Name]
	if versions == nil {
		versions = make(map[string]*taskType)
		r.byName[tt.def.Name] = versions
	}
	if existing, ok := versions[tt.def.Version]; ok && !existing.table.Equal(tt.table) {
		return nil, &api.ValidationError{
			Field:  "table",
			Reason: fmt.Sprintf("task type %q version %q already registered with a different table", tt.def.Name, tt.def.Version),
		}
	}

	versions[tt.def.Version] = tt
	r.latest[tt.def.Name] = tt.def.Version
	return tt, nil
}

// Get returns the bound type for name and version.
func (r *typeRegistry) Get(name, version string) (*taskType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tt, ok := r.byName[name][version]
	if !ok {
		return nil, fmt.Errorf("%w: %q version %q", api.ErrUnknownTaskType, name, version)
	}
	return tt, nil
}

// Latest returns the most recently registered version of name.
func (r *typeRegistry) Latest(name string) (*taskType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latest[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownTaskType, name)
	}
	return r.byName[name][version], nil
}

// Versions returns the registered versions of name in lexical order.
func (r *typeRegistry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedKeys(r.byName[name])
}
