package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "qualix/pkg/logx"
)

// maxRecords bounds how many outcomes a journal keeps after compaction.
const maxRecords = 10000

// fileJournal appends outcomes to a JSON Lines file. Every compactEvery
// appends the file is rewritten to its newest maxRecords lines.
type fileJournal struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	f      *os.File
	writes int

	compactEvery int
	keep         int
}

func openFile(cfg Config, log logx.Logger) (Journal, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileJournal{log: log, path: path, f: f, compactEvery: 1000, keep: maxRecords}, nil
}

func (j *fileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func (j *fileJournal) Append(ctx context.Context, o Outcome) error {
	_ = ctx
	if o.At.IsZero() {
		o.At = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return errors.New("journal file closed")
	}
	if err := json.NewEncoder(j.f).Encode(o); err != nil {
		return err
	}
	j.writes++
	if j.writes%j.compactEvery == 0 {
		if err := j.compactLocked(); err != nil {
			j.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (j *fileJournal) Recent(ctx context.Context, n int) ([]Outcome, error) {
	if n <= 0 {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	tail, err := readTail(ctx, j.path, n)
	if err != nil {
		return nil, err
	}
	out := make([]Outcome, 0, len(tail))
	for i := len(tail) - 1; i >= 0; i-- {
		var o Outcome
		if err := json.Unmarshal(tail[i], &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (j *fileJournal) compactLocked() error {
	lines, err := readTail(context.Background(), j.path, j.keep)
	if err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		_, _ = w.Write(l)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	// Reopen: the old handle points at the replaced inode.
	nf, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = j.f.Close()
	j.f = nf
	return nil
}

// readTail returns the last n non-empty lines of path, oldest first.
func readTail(ctx context.Context, path string, n int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([][]byte, 0, n)
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		line := append([]byte(nil), b...)
		if len(ring) < n {
			ring = append(ring, line)
			continue
		}
		ring[start] = line
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return append(ring[start:], ring[:start]...), nil
}
