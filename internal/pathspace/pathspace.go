// Package pathspace declares the collaborator surface spec.md §1/§6 says
// this module consumes (PathSpace, PathSpaceContext, NotificationSink,
// SlidingBuffer, NodeData) and provides one concrete, minimal in-process
// implementation of it. The local space's full semantics are explicitly
// out of scope for this module; this implementation exists only so the
// remote-mount components have something real to host exports on and to
// exercise in tests.
package pathspace

import (
	"sort"
	"strings"
	"sync"

	"github.com/pathspace/remote/internal/pathutil"
	"github.com/pathspace/remote/internal/pserr"
	"github.com/pathspace/remote/internal/waitmap"
)

// InsertOptions controls insert semantics.
type InsertOptions struct{}

// ReadOptions controls read semantics.
type ReadOptions struct {
	Block   bool
	Timeout *TimeoutMs
}

// TakeOptions controls take (destructive pop) semantics. TypeName carries
// the registry type name the caller wants popped; a local PathSpace
// ignores it, but a remote mount leaf needs it to fill TakeRequest's
// required type_name field (spec.md §4.D "TakeRequest semantics").
type TakeOptions struct {
	Block    bool
	Timeout  *TimeoutMs
	TypeName string
}

// TimeoutMs is a millisecond duration; nil means "block forever".
type TimeoutMs int64

// InsertResult reports what kind of thing was inserted, mirroring the
// wire InsertResponse.{values,spaces,tasks}_inserted counters.
type InsertResult struct {
	ValuesInserted int
	SpacesInserted int
	TasksInserted  int
}

// VisitOptions bounds a Visit call, e.g. to depth 1 as component F uses it.
type VisitOptions struct {
	MaxDepth int
}

// NotificationSink is notified on every path mutation. Implementations
// must chain to any previously-installed downstream sink (spec.md §4.F).
type NotificationSink interface {
	Notify(path string)
}

// PathSpaceContext exposes the single settable notification sink a space
// is configured with.
type PathSpaceContext interface {
	GetSink() NotificationSink
	SetSink(sink NotificationSink)
}

// PathSpace is the local data/compute space collaborator this module's
// remote-mount layer rides on top of.
type PathSpace interface {
	Insert(path string, value any, opts InsertOptions) (InsertResult, error)
	Read(path string, opts ReadOptions) (any, error)
	Take(path string, opts TakeOptions) (any, error)
	Visit(path string, visitor func(childName string) bool, opts VisitOptions) error
	ListChildren(path string) ([]string, error)
	InsertSpace(path string, child PathSpace) error
	SharedContext() PathSpaceContext
}

// SlidingBuffer is an append/advance byte buffer, as spec.md §6 names it.
type SlidingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	front int
}

func (b *SlidingBuffer) Append(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, data...)
}

func (b *SlidingBuffer) Data() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf[b.front:]
}

func (b *SlidingBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.front
}

// AssignRaw replaces the buffer contents wholesale, with frontOffset bytes
// already consumed.
func (b *SlidingBuffer) AssignRaw(data []byte, frontOffset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = data
	b.front = frontOffset
}

// Advance marks n bytes at the front as consumed.
func (b *SlidingBuffer) Advance(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.front += n
	if b.front > len(b.buf) {
		b.front = len(b.buf)
	}
}

// NodeData is a lazily-deserializable snapshot container, as used by
// component G's performRead (spec.md §6).
type NodeData struct {
	raw []byte
}

// DeserializeSnapshot wraps raw bytes for later typed decode.
func DeserializeSnapshot(raw []byte) *NodeData {
	return &NodeData{raw: raw}
}

// Bytes returns the raw snapshot bytes.
func (n *NodeData) Bytes() []byte {
	return n.raw
}

// node is one entry in the in-memory tree: a FIFO queue of values and/or a
// nested child space, plus its own children.
type node struct {
	mu       sync.Mutex
	anyVals  []any
	child    PathSpace // non-nil if this node is a mounted nested space
	children map[string]*node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// MemSpace is a minimal concrete PathSpace: an in-memory tree of named
// nodes, each holding a FIFO queue of inserted values, guarded by a single
// coordinator mutex plus the shared wait map for blocking reads/takes.
type MemSpace struct {
	mu   sync.Mutex
	root *node
	wait *waitmap.Map
	sink NotificationSink
}

// NewMemSpace constructs an empty space.
func NewMemSpace() *MemSpace {
	return &MemSpace{
		root: newNode(),
		wait: waitmap.New(),
	}
}

func (s *MemSpace) GetSink() NotificationSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *MemSpace) SetSink(sink NotificationSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *MemSpace) SharedContext() PathSpaceContext { return s }

func (s *MemSpace) segments(path string) ([]string, error) {
	canon, err := pathutil.Canonicalize(path)
	if err != nil {
		return nil, pserr.New(pserr.InvalidPath, "%v", err)
	}
	if canon == "/" {
		return nil, nil
	}
	return strings.Split(strings.TrimPrefix(canon, "/"), "/"), nil
}

// walk returns the node at path, creating intermediate nodes if create is
// true. It does not lock; callers hold s.mu.
func (s *MemSpace) walk(segs []string, create bool) *node {
	cur := s.root
	for _, seg := range segs {
		next, ok := cur.children[seg]
		if !ok {
			if !create {
				return nil
			}
			next = newNode()
			cur.children[seg] = next
		}
		cur = next
	}
	return cur
}

func (s *MemSpace) notify(path string) {
	sink := s.GetSink()
	if sink != nil {
		sink.Notify(path)
	}
	s.wait.Notify(path)
}

func (s *MemSpace) Insert(path string, value any, opts InsertOptions) (InsertResult, error) {
	segs, err := s.segments(path)
	if err != nil {
		return InsertResult{}, err
	}
	if child, ok := value.(PathSpace); ok {
		return s.InsertResultSpace(segs, path, child)
	}

	s.mu.Lock()
	n, remainder := s.lookupNode(segs)
	if n != nil && n.child != nil {
		child := n.child
		s.mu.Unlock()
		childPath := "/" + strings.Join(remainder, "/")
		if len(remainder) == 0 {
			childPath = "/"
		}
		return child.Insert(childPath, value, opts)
	}
	s.mu.Unlock()

	s.mu.Lock()
	n = s.walk(segs, true)
	n.mu.Lock()
	n.anyVals = append(n.anyVals, value)
	n.mu.Unlock()
	s.mu.Unlock()

	s.notify(path)
	return InsertResult{ValuesInserted: 1}, nil
}

func (s *MemSpace) InsertResultSpace(segs []string, path string, child PathSpace) (InsertResult, error) {
	s.mu.Lock()
	n := s.walk(segs, true)
	n.mu.Lock()
	n.child = child
	n.mu.Unlock()
	s.mu.Unlock()
	s.notify(path)
	return InsertResult{SpacesInserted: 1}, nil
}

func (s *MemSpace) InsertSpace(path string, child PathSpace) error {
	segs, err := s.segments(path)
	if err != nil {
		return err
	}
	_, err = s.InsertResultSpace(segs, path, child)
	return err
}

// lookupNode finds the deepest node that owns path, splitting it into a
// (node-owned prefix, nested-space suffix) if the path descends into a
// mounted child space.
func (s *MemSpace) lookupNode(segs []string) (n *node, remainder []string) {
	cur := s.root
	for i, seg := range segs {
		if cur.child != nil {
			return cur, segs[i:]
		}
		next, ok := cur.children[seg]
		if !ok {
			return nil, nil
		}
		cur = next
	}
	if cur.child != nil {
		return cur, nil
	}
	return cur, nil
}

func (s *MemSpace) Read(path string, opts ReadOptions) (any, error) {
	return s.readOrTake(path, opts.Block, opts.Timeout, "", false)
}

func (s *MemSpace) Take(path string, opts TakeOptions) (any, error) {
	return s.readOrTake(path, opts.Block, opts.Timeout, opts.TypeName, true)
}

func (s *MemSpace) readOrTake(path string, block bool, timeout *TimeoutMs, typeName string, pop bool) (any, error) {
	segs, err := s.segments(path)
	if err != nil {
		return nil, err
	}

	for {
		s.mu.Lock()
		n, remainder := s.lookupNode(segs)
		if n == nil {
			s.mu.Unlock()
		} else if n.child != nil {
			child := n.child
			s.mu.Unlock()
			childPath := "/" + strings.Join(remainder, "/")
			if len(remainder) == 0 {
				childPath = "/"
			}
			if pop {
				return child.Take(childPath, TakeOptions{Block: block, Timeout: timeout, TypeName: typeName})
			}
			return child.Read(childPath, ReadOptions{Block: block, Timeout: timeout})
		} else {
			n.mu.Lock()
			if len(n.anyVals) > 0 {
				v := n.anyVals[0]
				if pop {
					n.anyVals = n.anyVals[1:]
				}
				n.mu.Unlock()
				s.mu.Unlock()
				return v, nil
			}
			n.mu.Unlock()
			s.mu.Unlock()
		}

		if !block {
			return nil, pserr.New(pserr.NoObjectFound, "no value at %s", path)
		}

		guard := s.wait.Wait(path)
		if timeout == nil {
			guard.WaitForever()
		} else if !guard.WaitUntilMs(int64(*timeout)) {
			guard.Release()
			return nil, pserr.New(pserr.Timeout, "timed out waiting on %s", path)
		}
		guard.Release()
	}
}

func (s *MemSpace) ListChildren(path string) ([]string, error) {
	segs, err := s.segments(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, remainder := s.lookupNode(segs)
	if n == nil {
		return nil, pserr.New(pserr.NoSuchPath, "no such path %s", path)
	}
	if n.child != nil {
		childPath := "/" + strings.Join(remainder, "/")
		if len(remainder) == 0 {
			childPath = "/"
		}
		return n.child.ListChildren(childPath)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemSpace) Visit(path string, visitor func(childName string) bool, opts VisitOptions) error {
	names, err := s.ListChildren(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !visitor(name) {
			break
		}
	}
	return nil
}

// Exists reports whether path currently has a value or a nested space.
func (s *MemSpace) Exists(path string) bool {
	segs, err := s.segments(path)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.lookupNode(segs)
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.child != nil || len(n.anyVals) > 0
}

// Peek returns the current head value at path without removing it, used by
// the server's notification delivery to encode "current value" without a
// take.
func (s *MemSpace) Peek(path string) (any, bool) {
	segs, err := s.segments(path)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.lookupNode(segs)
	if n == nil {
		return nil, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.anyVals) == 0 {
		return nil, false
	}
	return n.anyVals[0], true
}
