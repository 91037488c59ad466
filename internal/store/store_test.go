package store

import (
	"errors"
	"sync"
	"testing"
)

func TestPeers(t *testing.T) {
	pm := NewPeers()
	p, err := pm.Add("127.0.0.1:5000")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p.ID == "" {
		t.Fatalf("peer id not assigned")
	}
	if _, err := pm.Add("127.0.0.1:5000"); err == nil {
		t.Fatalf("duplicate Add accepted")
	}
	if err := pm.Touch("127.0.0.1:5000"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, err := pm.Get("127.0.0.1:5000")
	if err != nil || got.Requests != 1 {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	pm.Add("127.0.0.1:5001")
	if snap := pm.Snapshot(); len(snap) != 2 || snap[0].Addr != "127.0.0.1:5000" {
		t.Fatalf("Snapshot = %+v", snap)
	}
	if err := pm.Delete("127.0.0.1:5000"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := pm.Delete("127.0.0.1:5000"); err == nil {
		t.Fatalf("second Delete succeeded")
	}
	if pm.Len() != 1 {
		t.Fatalf("Len = %d", pm.Len())
	}
}

func TestTransfersLifecycle(t *testing.T) {
	tm := NewTransfers(nil)
	id := tm.Create(TransferInfo{FileName: "a.bin", ChunkID: 1, Size: 100}, Receiving)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tm.Add(id, 10)
		}()
	}
	wg.Wait()

	tr, ok := tm.Get(id)
	if !ok || tr.BytesTransferred != 100 || tr.Status != Transferring {
		t.Fatalf("after adds: %+v", tr)
	}
	if tr.Progress() != 100 {
		t.Fatalf("Progress = %v", tr.Progress())
	}
	if tm.Active() != 1 {
		t.Fatalf("Active = %d", tm.Active())
	}
	if err := tm.Complete(id); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if tm.Active() != 0 {
		t.Fatalf("Active after complete = %d", tm.Active())
	}

	boom := errors.New("boom")
	other := tm.Create(TransferInfo{FileName: "a.bin", ChunkID: 0, Size: 50}, Receiving)
	tm.Fail(other, boom, false)
	snap := tm.Snapshot()
	if len(snap) != 2 || snap[0].ID != other || snap[0].Status != Failed || snap[0].Err != boom {
		t.Fatalf("Snapshot = %+v", snap)
	}
	if only := tm.Snapshot(id); len(only) != 1 || only[0].ID != id {
		t.Fatalf("Snapshot(id) = %+v", only)
	}
	tm.Remove(id)
	if _, ok := tm.Get(id); ok {
		t.Fatalf("removed transfer still present")
	}
	if err := tm.Add(id, 1); err == nil {
		t.Fatalf("Add on removed transfer succeeded")
	}
}

func TestStatusStrings(t *testing.T) {
	if Cancelled.String() != "cancelled" || Receiving.String() != "receiving" {
		t.Fatalf("unexpected names %s %s", Cancelled, Receiving)
	}
}
