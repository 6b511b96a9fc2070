// Package registry assigns stable, non-zero integer ids to the global names
// of functions, value types, and trait types. Registration happens once per
// name at process init, mirroring the one-shot intern pattern used elsewhere
// in the codebase for symbol tables, but rejecting re-registration instead of
// silently returning the existing id: the host interface's registration
// surface is documented as one-time, so a second attempt under the same name
// almost always indicates two independent packages racing to claim a name,
// which is a programming error the caller needs to see immediately.
package registry

import (
	"fmt"
	"sync"
)

// FunctionId identifies a registered task function body.
type FunctionId uint32

// ValueTypeId identifies a registered value type.
type ValueTypeId uint32

// TraitTypeId identifies a registered trait type.
type TraitTypeId uint32

// DuplicateRegistrationError is returned when a global name is registered
// more than once within the same kind. It is fatal at process init.
type DuplicateRegistrationError struct {
	Kind       string
	GlobalName string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("registry: duplicate registration of %s %q", e.Kind, e.GlobalName)
}

// table is a one-shot name->id table for a single kind (function, value
// type, or trait type). Lookups take the RLock fast path; only the rare
// registration call takes the write lock.
type table struct {
	mu       sync.RWMutex
	nameToID map[string]uint32
	idToName []string
	kind     string
}

func newTable(kind string) *table {
	return &table{
		nameToID: make(map[string]uint32),
		kind:     kind,
	}
}

func (t *table) register(name string) (uint32, error) {
	t.mu.RLock()
	_, exists := t.nameToID[name]
	t.mu.RUnlock()
	if exists {
		return 0, &DuplicateRegistrationError{Kind: t.kind, GlobalName: name}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nameToID[name]; exists {
		return 0, &DuplicateRegistrationError{Kind: t.kind, GlobalName: name}
	}

	id := uint32(len(t.idToName)) + 1 // ids are non-zero
	t.idToName = append(t.idToName, name)
	t.nameToID[name] = id
	return id, nil
}

func (t *table) resolve(id uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == 0 || int(id) > len(t.idToName) {
		return "", false
	}
	return t.idToName[id-1], true
}

func (t *table) lookup(name string) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.nameToID[name]
	return id, ok
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.idToName)
}

// Registry holds the three independent process-wide id namespaces. It is
// ordinarily constructed once per engine, but nothing prevents constructing
// more than one (useful in tests that want isolated id spaces).
type Registry struct {
	functions  *table
	valueTypes *table
	traitTypes *table
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		functions:  newTable("function"),
		valueTypes: newTable("value type"),
		traitTypes: newTable("trait type"),
	}
}

// RegisterFunction binds globalName to a fresh FunctionId.
func (r *Registry) RegisterFunction(globalName string) (FunctionId, error) {
	id, err := r.functions.register(globalName)
	return FunctionId(id), err
}

// RegisterValueType binds globalName to a fresh ValueTypeId.
func (r *Registry) RegisterValueType(globalName string) (ValueTypeId, error) {
	id, err := r.valueTypes.register(globalName)
	return ValueTypeId(id), err
}

// RegisterTraitType binds globalName to a fresh TraitTypeId.
func (r *Registry) RegisterTraitType(globalName string) (TraitTypeId, error) {
	id, err := r.traitTypes.register(globalName)
	return TraitTypeId(id), err
}

// FunctionName resolves id back to its global name, by-name serialization so
// ids need not match across processes.
func (r *Registry) FunctionName(id FunctionId) (string, bool) {
	return r.functions.resolve(uint32(id))
}

// ValueTypeName resolves id back to its global name.
func (r *Registry) ValueTypeName(id ValueTypeId) (string, bool) {
	return r.valueTypes.resolve(uint32(id))
}

// TraitTypeName resolves id back to its global name.
func (r *Registry) TraitTypeName(id TraitTypeId) (string, bool) {
	return r.traitTypes.resolve(uint32(id))
}

// LookupFunction returns the id already bound to globalName, if any.
func (r *Registry) LookupFunction(globalName string) (FunctionId, bool) {
	id, ok := r.functions.lookup(globalName)
	return FunctionId(id), ok
}

// FunctionCount returns the number of registered functions.
func (r *Registry) FunctionCount() int { return r.functions.len() }

// ValueTypeCount returns the number of registered value types.
func (r *Registry) ValueTypeCount() int { return r.valueTypes.len() }

// TraitTypeCount returns the number of registered trait types.
func (r *Registry) TraitTypeCount() int { return r.traitTypes.len() }
