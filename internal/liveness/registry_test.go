package liveness

import "testing"

type countingTarget struct {
	calls []string
}

func (c *countingTarget) Notify(path string) {
	c.calls = append(c.calls, path)
}

func TestSafeNotifyDeliversWhileRegistered(t *testing.T) {
	r := New()
	target := &countingTarget{}
	r.Register(target)

	r.SafeNotify(target, "/a")
	r.SafeNotify(target, "/b")

	if len(target.calls) != 2 {
		t.Fatalf("calls = %v, want 2 entries", target.calls)
	}
}

func TestSafeNotifyDropsAfterUnregister(t *testing.T) {
	r := New()
	target := &countingTarget{}
	r.Register(target)
	r.Unregister(target)

	r.SafeNotify(target, "/a")

	if len(target.calls) != 0 {
		t.Fatalf("calls = %v, want none delivered after unregister", target.calls)
	}
}

func TestSafeNotifyRecoversFromPanic(t *testing.T) {
	r := New()
	target := panicTarget{}
	r.Register(target)

	r.SafeNotify(target, "/a") // must not panic the test
}

type panicTarget struct{}

func (panicTarget) Notify(path string) { panic("boom") }

func TestRegisterUnregisterNilIsNoop(t *testing.T) {
	r := New()
	r.Register(nil)
	r.Unregister(nil)
	r.SafeNotify(nil, "/a")
}
