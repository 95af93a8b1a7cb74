// Package registry implements the type registry and payload bridge,
// spec.md §4.A (component A): a process-wide map from stable type names to
// erased construct/destroy/serialize/deserialize/insert/take operations,
// plus the base64 codec used at the JSON wire boundary.
package registry

import (
	"encoding/binary"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/pserr"
)

// Descriptor bundles the erased operations for one registered type. The
// "erasure" here is Go-idiomatic: closures captured at registration time
// over a concrete type parameter, rather than a C-style function-pointer
// table over a void* — see DESIGN.md.
type Descriptor struct {
	Name                   string
	goType                 reflect.Type
	defaultConstructible   bool
	newValue               func() any
	serialize              func(v any) ([]byte, error)
	deserialize            func(data []byte) (any, error)
	insert                 func(space pathspace.PathSpace, path string, v any, opts pathspace.InsertOptions) (pathspace.InsertResult, error)
	take                   func(space pathspace.PathSpace, path string, opts pathspace.TakeOptions) (any, error)
}

// Registry is the process-wide type registry.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	byType map[reflect.Type]*Descriptor
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process-wide registry, registering the built-in
// scalar types and string on first access (spec.md §4.A).
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
		registerBuiltins(global)
	})
	return global
}

// New constructs an independent, empty registry (mainly for tests that
// want isolation from the process-wide built-ins).
func New() *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor),
		byType: make(map[reflect.Type]*Descriptor),
	}
}

func registerBuiltins(r *Registry) {
	Register[string](r, "string")
	Register[[]byte](r, "bytes")
	Register[int](r, "int")
	Register[int64](r, "int64")
	Register[float64](r, "float64")
	Register[bool](r, "bool")
}

// Register registers T under name (or T's reflected name if name is
// empty). It is idempotent: it returns false without overwriting anything
// if the name or the underlying Go type is already registered.
func Register[T any](r *Registry, name string) bool {
	var zero T
	t := reflect.TypeOf(zero)
	if name == "" {
		if t == nil {
			return false // no usable type identity (e.g. a nil interface)
		}
		name = t.String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return false
	}
	if t != nil {
		if _, exists := r.byType[t]; exists {
			return false
		}
	}

	desc := &Descriptor{
		Name:                 name,
		goType:               t,
		defaultConstructible: true,
		newValue: func() any {
			var v T
			return v
		},
		serialize: func(v any) ([]byte, error) {
			typed, ok := v.(T)
			if !ok {
				return nil, pserr.New(pserr.InvalidType, "value is not of registered type %s", name)
			}
			return json.Marshal(typed)
		},
		deserialize: func(data []byte) (any, error) {
			var v T
			if len(data) == 0 {
				if !isZeroable[T]() {
					return nil, pserr.New(pserr.InvalidType, "zero payload rejected for non-default-constructible type %s", name)
				}
				return v, nil
			}
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, pserr.New(pserr.InvalidType, "deserialize %s: %v", name, err)
			}
			return v, nil
		},
		insert: func(space pathspace.PathSpace, path string, v any, opts pathspace.InsertOptions) (pathspace.InsertResult, error) {
			return space.Insert(path, v, opts)
		},
		take: func(space pathspace.PathSpace, path string, opts pathspace.TakeOptions) (any, error) {
			return space.Take(path, opts)
		},
	}

	r.byName[name] = desc
	if t != nil {
		r.byType[t] = desc
	}
	return true
}

func isZeroable[T any]() bool {
	// Every Go type has a usable zero value; the spec's "non-default-
	// constructible" carve-out doesn't have a direct Go analog, so zero
	// payloads are always accepted for registered Go types. Kept as a
	// function (not a constant true) so the policy has one place to
	// change if a registered type ever needs to opt out.
	return true
}

// FindByName looks up a descriptor by its registered name.
func (r *Registry) FindByName(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// FindByType looks up a descriptor by reflected Go type.
func (r *Registry) FindByType(t reflect.Type) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[t]
	return d, ok
}

// Serialize encodes v using its descriptor: a 4-byte little-endian size
// header followed by the canonical encoding (spec.md §4.A).
func Serialize(d *Descriptor, v any) ([]byte, error) {
	body, err := d.serialize(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Deserialize decodes bytes produced by Serialize, verifying the size
// header matches the remaining payload and that re-serializing yields the
// exact same bytes (the round-trip law in spec.md §4.A/§8).
func Deserialize(d *Descriptor, data []byte) (any, error) {
	if len(data) < 4 {
		return nil, pserr.New(pserr.InvalidType, "payload too short for size header")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	body := data[4:]
	if uint32(len(body)) != n {
		return nil, pserr.New(pserr.InvalidType, "UnserializableType: size header %d does not match body length %d", n, len(body))
	}

	v, err := d.deserialize(body)
	if err != nil {
		return nil, err
	}

	reSerialized, err := Serialize(d, v)
	if err != nil {
		return nil, err
	}
	if !bytesEqual(reSerialized, data) {
		return nil, pserr.New(pserr.InvalidType, "UnserializableType: round-trip mismatch for %s", d.Name)
	}
	return v, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// InsertBytes deserializes bytes as typeName and inserts the resulting
// value into space at path (spec.md §4.A insert_bytes).
func (r *Registry) InsertBytes(space pathspace.PathSpace, path, typeName string, data []byte, opts pathspace.InsertOptions) (pathspace.InsertResult, error) {
	d, ok := r.FindByName(typeName)
	if !ok {
		return pathspace.InsertResult{}, pserr.New(pserr.InvalidType, "unknown type %q", typeName)
	}
	v, err := Deserialize(d, data)
	if err != nil {
		return pathspace.InsertResult{}, err
	}
	return d.insert(space, path, v, opts)
}

// TakeBytes takes a value of typeName from space at path and serializes
// the result (spec.md §4.A take_bytes).
func (r *Registry) TakeBytes(space pathspace.PathSpace, path, typeName string, opts pathspace.TakeOptions) ([]byte, error) {
	d, ok := r.FindByName(typeName)
	if !ok {
		return nil, pserr.New(pserr.InvalidType, "unknown type %q", typeName)
	}
	opts.TypeName = typeName
	v, err := d.take(space, path, opts)
	if err != nil {
		return nil, err
	}
	return Serialize(d, v)
}

// ReadBytes peeks (non-destructively) a value of typeName from space at
// path and serializes it with that type's descriptor.
func (r *Registry) ReadBytes(space pathspace.PathSpace, path, typeName string, opts pathspace.ReadOptions) ([]byte, error) {
	d, ok := r.FindByName(typeName)
	if !ok {
		return nil, pserr.New(pserr.InvalidType, "unknown type %q", typeName)
	}
	v, err := space.Read(path, opts)
	if err != nil {
		return nil, err
	}
	return Serialize(d, v)
}

// DescriptorFor is a convenience accessor that returns the descriptor
// registered under typeName, or an InvalidType error if there is none.
func (r *Registry) DescriptorFor(typeName string) (*Descriptor, error) {
	d, ok := r.FindByName(typeName)
	if !ok {
		return nil, pserr.New(pserr.InvalidType, "unknown type %q", typeName)
	}
	return d, nil
}
