package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type TransferStatus int

const (
	Pending TransferStatus = iota
	Transferring
	Completed
	Failed
	Cancelled
)

func (s TransferStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Transferring:
		return "transferring"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type TransferDirection int

const (
	Sending TransferDirection = iota
	Receiving
)

func (d TransferDirection) String() string {
	if d == Receiving {
		return "receiving"
	}
	return "sending"
}

// TransferInfo names what is moving: one chunk of one file.
type TransferInfo struct {
	FileName string
	ChunkID  int
	Peer     string
	Size     int64 // bytes this transfer is expected to move
}

type Transfer struct {
	ID               string
	Info             TransferInfo
	Direction        TransferDirection
	Status           TransferStatus
	BytesTransferred int64
	StartTime        time.Time
	LastUpdateTime   time.Time
	Err              error
	Speed            float64 // bytes per second over the last update
}

// Progress is the completed share in percent.
func (t Transfer) Progress() float64 {
	if t.Info.Size <= 0 {
		if t.Status == Completed {
			return 100
		}
		return 0
	}
	return float64(t.BytesTransferred) / float64(t.Info.Size) * 100
}

// Transfers tracks in-flight and finished transfers. Workers update it while
// reporters read snapshots.
type Transfers struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	log       *slog.Logger
}

func NewTransfers(log *slog.Logger) *Transfers {
	if log == nil {
		log = slog.Default()
	}
	return &Transfers{transfers: make(map[string]*Transfer), log: log}
}

func (tm *Transfers) Create(info TransferInfo, direction TransferDirection) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	id := uuid.NewString()
	now := time.Now()
	tm.transfers[id] = &Transfer{
		ID:             id,
		Info:           info,
		Direction:      direction,
		Status:         Pending,
		StartTime:      now,
		LastUpdateTime: now,
	}
	return id
}

// Add records n more bytes moved.
func (tm *Transfers) Add(id string, n int64) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, exists := tm.transfers[id]
	if !exists {
		return fmt.Errorf("transfer not found %s", id)
	}
	now := time.Now()
	if dt := now.Sub(t.LastUpdateTime).Seconds(); dt > 0 {
		t.Speed = float64(n) / dt
	}
	t.LastUpdateTime = now
	t.BytesTransferred += n
	t.Status = Transferring
	return nil
}

func (tm *Transfers) Complete(id string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, exists := tm.transfers[id]
	if !exists {
		return fmt.Errorf("transfer not found %s", id)
	}
	t.LastUpdateTime = time.Now()
	t.Status = Completed
	tm.log.Debug("transfer complete", "id", id, "file", t.Info.FileName, "chunk", t.Info.ChunkID,
		"bytes", t.BytesTransferred, "elapsed", t.LastUpdateTime.Sub(t.StartTime))
	return nil
}

// Fail marks the transfer failed, or cancelled when cancelled is set.
func (tm *Transfers) Fail(id string, err error, cancelled bool) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, exists := tm.transfers[id]
	if !exists {
		return fmt.Errorf("transfer not found %s", id)
	}
	t.Status = Failed
	if cancelled {
		t.Status = Cancelled
	}
	t.Err = err
	t.LastUpdateTime = time.Now()
	return nil
}

func (tm *Transfers) Get(id string) (Transfer, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, exists := tm.transfers[id]
	if !exists {
		return Transfer{}, false
	}
	return *t, true
}

func (tm *Transfers) Remove(id string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.transfers, id)
}

// Snapshot copies the given transfers, or all of them when ids is empty,
// ordered by file, then chunk, then start time.
func (tm *Transfers) Snapshot(ids ...string) []Transfer {
	tm.mu.Lock()
	var out []Transfer
	if len(ids) == 0 {
		for _, t := range tm.transfers {
			out = append(out, *t)
		}
	} else {
		for _, id := range ids {
			if t, ok := tm.transfers[id]; ok {
				out = append(out, *t)
			}
		}
	}
	tm.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Info.FileName != b.Info.FileName {
			return a.Info.FileName < b.Info.FileName
		}
		if a.Info.ChunkID != b.Info.ChunkID {
			return a.Info.ChunkID < b.Info.ChunkID
		}
		return a.StartTime.Before(b.StartTime)
	})
	return out
}

// Active counts transfers that have not finished.
func (tm *Transfers) Active() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	n := 0
	for _, t := range tm.transfers {
		if t.Status == Pending || t.Status == Transferring {
			n++
		}
	}
	return n
}
