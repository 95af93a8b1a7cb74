package mountclient

import (
	"sort"
	"strings"
	"time"

	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/wire"
)

// defaultMirrors auto-adds an AppendOnly diagnostics mirror and a
// TreeSnapshot metrics mirror, both written into the manager's root space,
// when the host configures none explicitly (spec.md §4.G "Mirror loop").
func defaultMirrors(alias string) []MirrorConfig {
	return []MirrorConfig{
		{
			Mode:       AppendOnly,
			RemoteRoot: "/diagnostics",
			LocalRoot:  "/remote/" + alias + "/diagnostics",
			Interval:   5 * time.Second,
			MaxNodes:   256,
		},
		{
			Mode:        TreeSnapshot,
			RemoteRoot:  "/metrics",
			LocalRoot:   "/remote/" + alias + "/metrics",
			Interval:    10 * time.Second,
			MaxDepth:    3,
			MaxChildren: 64,
			MaxNodes:    1024,
		},
	}
}

func newMirrorAssignments(cfgs []MirrorConfig) []*MirrorAssignment {
	now := time.Now()
	assignments := make([]*MirrorAssignment, 0, len(cfgs))
	for _, c := range cfgs {
		assignments = append(assignments, &MirrorAssignment{Config: c, NextRun: now})
	}
	return assignments
}

// mirrorLoop runs every configured MirrorAssignment whose next_run has
// elapsed, sleeping in notificationPoll-sized chunks between checks
// (spec.md §4.G "Mirror loop").
func (m *MountState) mirrorLoop(localTarget pathspace.PathSpace) {
	defer m.wg.Done()
	poll := m.cfg.NotificationPoll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		if m.sleepChunked(poll, poll) {
			return
		}
		now := time.Now()
		m.mu.Lock()
		due := make([]*MirrorAssignment, 0)
		for _, a := range m.mirrors {
			if !a.NextRun.After(now) {
				due = append(due, a)
			}
		}
		m.mu.Unlock()

		for _, a := range due {
			switch a.Config.Mode {
			case AppendOnly:
				m.runAppendOnlyMirror(a, localTarget)
			case TreeSnapshot:
				m.runTreeSnapshotMirror(a, localTarget)
			}
			a.NextRun = time.Now().Add(a.Config.Interval)
		}
	}
}

// runAppendOnlyMirror lists the remote root's children, takes those
// lexicographically after last_child, fetches and inserts each at
// local_root/<child>, advancing the cursor as it goes (spec.md §4.G
// "AppendOnly").
func (m *MountState) runAppendOnlyMirror(a *MirrorAssignment, localTarget pathspace.PathSpace) {
	children, err := m.listRemoteChildren(a.Config.RemoteRoot)
	if err != nil {
		m.recordError(err)
		return
	}
	sort.Strings(children)

	count := 0
	for _, child := range children {
		if count >= a.Config.MaxNodes && a.Config.MaxNodes > 0 {
			break
		}
		if child <= a.LastChild {
			continue
		}
		remotePath := joinPath(a.Config.RemoteRoot, child)
		value, _, err := m.performRead(remotePath, nil)
		if err != nil {
			m.recordError(err)
			continue
		}
		if value == nil {
			a.LastChild = child
			continue
		}
		localPath := joinPath(a.Config.LocalRoot, child)
		if _, err := localTarget.Insert(localPath, value, pathspace.InsertOptions{}); err != nil {
			m.recordError(err)
			continue
		}
		a.LastChild = child
		count++
	}
}

// runTreeSnapshotMirror does a bounded BFS from remote_root, inserting or
// overwriting each visited node's current value at the mirrored local path
// (spec.md §4.G "TreeSnapshot").
func (m *MountState) runTreeSnapshotMirror(a *MirrorAssignment, localTarget pathspace.PathSpace) {
	type queued struct {
		remotePath string
		localPath  string
		depth      int
	}
	queue := []queued{{remotePath: a.Config.RemoteRoot, localPath: a.Config.LocalRoot, depth: 0}}
	visited := 0

	for len(queue) > 0 {
		if a.Config.MaxNodes > 0 && visited >= a.Config.MaxNodes {
			return
		}
		head := queue[0]
		queue = queue[1:]

		value, _, err := m.performRead(head.remotePath, nil)
		if err != nil {
			m.recordError(err)
		} else if value != nil {
			if _, err := localTarget.Insert(head.localPath, value, pathspace.InsertOptions{}); err != nil {
				m.recordError(err)
			}
		}
		visited++

		if a.Config.MaxDepth > 0 && head.depth >= a.Config.MaxDepth {
			continue
		}
		children, err := m.listRemoteChildren(head.remotePath)
		if err != nil {
			m.recordError(err)
			continue
		}
		sort.Strings(children)
		if a.Config.MaxChildren > 0 && len(children) > a.Config.MaxChildren {
			children = children[:a.Config.MaxChildren]
		}
		for _, child := range children {
			queue = append(queue, queued{
				remotePath: joinPath(head.remotePath, child),
				localPath:  joinPath(head.localPath, child),
				depth:      head.depth + 1,
			})
		}
	}
}

// listRemoteChildren sends a ReadRequest{include_children=true} against
// path and returns the child names.
func (m *MountState) listRemoteChildren(relative string) ([]string, error) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	req := &wire.ReadRequest{
		RequestID:       m.nextRequestID("readchildren"),
		SessionID:       sessionID,
		Alias:           m.cfg.Alias,
		Path:            m.remotePath(relative),
		IncludeChildren: true,
	}
	frame, err := wire.NewFrame(wire.KindReadReq, uint64(time.Now().UnixMilli()), req)
	if err != nil {
		return nil, err
	}
	respFrame, err := m.roundTripOrDrop(frame)
	if err != nil {
		return nil, err
	}
	var resp wire.ReadResponse
	if err := wire.DecodePayload(respFrame.Payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fromWirePayload(resp.Error)
	}
	return resp.Children, nil
}

func joinPath(root, child string) string {
	if strings.HasSuffix(root, "/") {
		return root + child
	}
	return root + "/" + child
}
