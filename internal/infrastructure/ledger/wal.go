package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

// walEntry is the JSON-line, on-disk form of one queued ledger append.
// Attempts are carried verbatim so a replay can rebuild the RequestRun
// without touching the read-side repository.
type walEntry struct {
	RunID          string          `json:"run_id"`
	ConversationID string          `json:"conversation_id"`
	OwnerID        string          `json:"owner_id"`
	State          entity.RunState `json:"state"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	Attempts       []entity.Attempt `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func entryFromRun(run *entity.RequestRun, ownerID string) walEntry {
	return walEntry{
		RunID:          run.ID(),
		ConversationID: run.ConversationID(),
		OwnerID:        ownerID,
		State:          run.State(),
		ErrorKind:      run.ErrorKind(),
		Attempts:       run.Attempts(),
		CreatedAt:      run.CreatedAt(),
		UpdatedAt:      run.UpdatedAt(),
	}
}

func (e walEntry) toRun() *entity.RequestRun {
	return entity.ReconstructRequestRun(e.RunID, e.ConversationID, e.State, nil, nil, e.Attempts, e.ErrorKind, e.CreatedAt, e.UpdatedAt)
}

// wal is a write-ahead log for queued ledger entries: JSON lines, appended
// before the entry is handed to the aggregator goroutine, with size-based
// rotation and a replay path for recovering entries an aggregator restart
// left un-applied. Adapted from the teacher's eventbus.PersistentBus.
type wal struct {
	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	path       string
	maxSize    int64
	written    int64
	logger     *zap.Logger
}

const defaultMaxWALSize = 10 * 1024 * 1024 // 10MB

func openWAL(dir string, maxSize int64, logger *zap.Logger) (*wal, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxWALSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger WAL dir: %w", err)
	}

	path := filepath.Join(dir, "ledger.wal")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger WAL file: %w", err)
	}

	stat, _ := f.Stat()
	var size int64
	if stat != nil {
		size = stat.Size()
	}

	return &wal{
		file:    f,
		writer:  bufio.NewWriterSize(f, 64*1024),
		path:    path,
		maxSize: maxSize,
		written: size,
		logger:  logger.With(zap.String("component", "ledger-wal")),
	}, nil
}

// append writes one entry to the log and flushes it before returning, so the
// entry survives a crash even if the aggregator goroutine never gets to it.
func (w *wal) append(entry walEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger WAL entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.writer.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write ledger WAL entry: %w", err)
	}
	w.written += int64(n)
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush ledger WAL: %w", err)
	}

	if w.maxSize > 0 && w.written >= w.maxSize {
		w.rotateLocked()
	}
	return nil
}

func (w *wal) rotateLocked() {
	_ = w.writer.Flush()
	_ = w.file.Close()

	oldPath := w.path + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(w.path, oldPath)

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Error("ledger WAL rotation failed", zap.Error(err))
		return
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 64*1024)
	w.written = 0
	w.logger.Info("ledger WAL rotated", zap.String("old_path", oldPath))
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	_ = w.file.Sync()
	return w.file.Close()
}

// replay reads every entry currently on disk. Callers re-drive each entry
// through the aggregator's queue; the WAL itself is left untouched — the
// aggregator is the one that knows whether an entry already reached the
// durable repository.
func (w *wal) replay() ([]walEntry, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger WAL for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var entries []walEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry walEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			w.logger.Warn("skipping corrupt ledger WAL entry", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("ledger WAL scan error: %w", err)
	}
	return entries, nil
}

// truncate clears the WAL. The aggregator calls it once the replayed entries
// are queued, before its goroutine has written them to the repository.
func (w *wal) truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.writer.Flush()
	_ = w.file.Close()

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("truncate ledger WAL: %w", err)
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 64*1024)
	w.written = 0
	return nil
}
