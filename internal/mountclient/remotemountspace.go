package mountclient

import (
	"time"

	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/pserr"
)

// RemoteMountSpace is the PathSpace leaf inserted at mount_path that
// delegates every operation to its owning MountState (spec.md §4.G
// "RemoteMountSpace interface"). All paths it receives are already
// relative to the mount (the caller/root space strips the mount prefix).
type RemoteMountSpace struct {
	state *MountState
	sink  pathspace.NotificationSink
}

func newRemoteMountSpace(state *MountState) *RemoteMountSpace {
	return &RemoteMountSpace{state: state}
}

// Insert implements `in(iter, data)` → performInsert (spec.md §4.G).
func (r *RemoteMountSpace) Insert(path string, value any, _ pathspace.InsertOptions) (pathspace.InsertResult, error) {
	if err := r.state.performInsert(path, value); err != nil {
		return pathspace.InsertResult{}, err
	}
	return pathspace.InsertResult{ValuesInserted: 1}, nil
}

// Read implements the non-blocking, non-popping `out(...)` path →
// performRead (spec.md §4.G).
func (r *RemoteMountSpace) Read(path string, opts pathspace.ReadOptions) (any, error) {
	if opts.Block {
		return r.waitFor(path, opts.Timeout)
	}
	value, _, err := r.state.performRead(path, nil)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, pserr.New(pserr.NoObjectFound, "no value at %q", path)
	}
	return value, nil
}

// Take implements `opts.doPop` → performTake (spec.md §4.G). TakeRequest's
// type_name is a required wire field (spec.md §4.D "TakeRequest
// semantics"), so a caller reaching a remote mount must name the type it
// wants popped via opts.TypeName. The take is one non-blocking request;
// opts.Block and opts.Timeout are not used.
func (r *RemoteMountSpace) Take(path string, opts pathspace.TakeOptions) (any, error) {
	if opts.TypeName == "" {
		return nil, pserr.New(pserr.MalformedInput, "take on a remote mount requires TakeOptions.TypeName")
	}
	return r.state.performTake(path, opts.TypeName)
}

func (r *RemoteMountSpace) waitFor(path string, timeoutMs *pathspace.TimeoutMs) (any, error) {
	timeout := defaultWaitTimeout
	if timeoutMs != nil {
		timeout = time.Duration(*timeoutMs) * time.Millisecond
	}
	return r.state.performWait(path, timeout)
}

// Visit is NotSupported for a remote mount (spec.md §4.G "visit(...) →
// NotSupported for now").
func (r *RemoteMountSpace) Visit(_ string, _ func(childName string) bool, _ pathspace.VisitOptions) error {
	return pserr.New(pserr.InvalidPermissions, "visit is not supported on a remote mount")
}

// ListChildren proxies to a remote ReadRequest{include_children=true}.
func (r *RemoteMountSpace) ListChildren(path string) ([]string, error) {
	return r.state.listRemoteChildren(path)
}

// InsertSpace is NotSupported: a remote mount cannot host a nested local
// space.
func (r *RemoteMountSpace) InsertSpace(_ string, _ pathspace.PathSpace) error {
	return pserr.New(pserr.InvalidPermissions, "cannot insert a nested space under a remote mount")
}

// SharedContext exposes a settable notification sink so a host can chain
// into remote-mount-local events, mirroring the local PathSpace contract.
func (r *RemoteMountSpace) SharedContext() pathspace.PathSpaceContext { return r }

func (r *RemoteMountSpace) GetSink() pathspace.NotificationSink { return r.sink }
func (r *RemoteMountSpace) SetSink(sink pathspace.NotificationSink) { r.sink = sink }
