package pathspace

import (
	"testing"
	"time"

	"github.com/pathspace/remote/internal/pserr"
)

func TestInsertReadTake(t *testing.T) {
	s := NewMemSpace()
	if _, err := s.Insert("/a/b", "v1", InsertOptions{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	v, err := s.Read("/a/b", ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v.(string) != "v1" {
		t.Fatalf("got %v, want v1", v)
	}

	// Read is non-destructive.
	if !s.Exists("/a/b") {
		t.Fatal("expected value to still exist after Read")
	}

	taken, err := s.Take("/a/b", TakeOptions{})
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if taken.(string) != "v1" {
		t.Fatalf("got %v, want v1", taken)
	}
	if s.Exists("/a/b") {
		t.Fatal("expected value to be gone after Take")
	}
}

func TestTakeNonBlockingMissingReturnsNoObjectFound(t *testing.T) {
	s := NewMemSpace()
	_, err := s.Take("/missing", TakeOptions{})
	if pserr.CodeOf(err) != pserr.NoObjectFound {
		t.Fatalf("got %v, want NoObjectFound", err)
	}
}

func TestBlockingTakeWakesOnInsert(t *testing.T) {
	s := NewMemSpace()
	done := make(chan any, 1)
	go func() {
		v, err := s.Take("/wake", TakeOptions{Block: true})
		if err != nil {
			done <- err
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := s.Insert("/wake", 42, InsertOptions{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	select {
	case v := <-done:
		if v.(int) != 42 {
			t.Fatalf("got %v, want 42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Take never woke up")
	}
}

func TestBlockingTakeTimesOut(t *testing.T) {
	s := NewMemSpace()
	timeout := TimeoutMs(20)
	_, err := s.Take("/never", TakeOptions{Block: true, Timeout: &timeout})
	if pserr.CodeOf(err) != pserr.Timeout {
		t.Fatalf("got %v, want Timeout", err)
	}
}

func TestInsertSpaceMountsNestedSpace(t *testing.T) {
	outer := NewMemSpace()
	inner := NewMemSpace()
	if err := outer.InsertSpace("/mnt", inner); err != nil {
		t.Fatalf("InsertSpace: %v", err)
	}

	if _, err := outer.Insert("/mnt/leaf", "nested", InsertOptions{}); err != nil {
		t.Fatalf("Insert into nested space: %v", err)
	}
	v, err := inner.Read("/leaf", ReadOptions{})
	if err != nil {
		t.Fatalf("Read from inner directly: %v", err)
	}
	if v.(string) != "nested" {
		t.Fatalf("got %v, want nested", v)
	}
}

func TestListChildrenSorted(t *testing.T) {
	s := NewMemSpace()
	s.Insert("/x/c", 1, InsertOptions{})
	s.Insert("/x/a", 2, InsertOptions{})
	s.Insert("/x/b", 3, InsertOptions{})

	names, err := s.ListChildren("/x")
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

type recordingSink struct {
	paths []string
}

func (r *recordingSink) Notify(path string) { r.paths = append(r.paths, path) }

func TestSetSinkObservesInsert(t *testing.T) {
	s := NewMemSpace()
	sink := &recordingSink{}
	s.SetSink(sink)
	s.Insert("/notify/me", "v", InsertOptions{})
	if len(sink.paths) != 1 || sink.paths[0] != "/notify/me" {
		t.Fatalf("sink did not observe notification: %v", sink.paths)
	}
	if s.GetSink() != sink {
		t.Fatal("GetSink did not return the installed sink")
	}
}
