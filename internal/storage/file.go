package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"groupbot/internal/dispatch"
	"groupbot/internal/fault"
	logx "groupbot/pkg/logx"
)

// fileRecent bounds the in-memory tail served by Recent.
const fileRecent = 200

// fileStore keeps history in JSON Lines files.
//
// Files:
//   - <prefix>.runs.jsonl  (append-only, one dispatch.Run per line)
//   - <prefix>.audit.jsonl (append-only, one AuditEntry per line)
//
// The tail of the runs file is replayed on open.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile  *os.File
	auditFile *os.File
	recent    []dispatch.Run // oldest first, at most fileRecent
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fault.Missing("storage.path", "set storage.path for the file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(err, "create storage dir")
	}

	runsPath := prefix + ".runs.jsonl"
	auditPath := prefix + ".audit.jsonl"

	recent, err := replayRuns(runsPath)
	if err != nil && !os.IsNotExist(err) {
		log.Warn("replay runs failed", logx.String("path", runsPath), logx.Err(err))
	}

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fault.Wrap(err, "open runs file")
	}
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, fault.Wrap(err, "open audit file")
	}
	log.Info("storage opened", logx.String("prefix", prefix), logx.Int("runs_loaded", len(recent)))
	return &fileStore{
		log:       log,
		runsFile:  rf,
		auditFile: af,
		recent:    recent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.auditFile != nil {
		err2 = s.auditFile.Close()
		s.auditFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendRun(_ context.Context, r dispatch.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return fault.Wrap(ErrDisabled, "runs file closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.recent = appendBounded(s.recent, r)
	return nil
}

func (s *fileStore) Recent(_ context.Context, limit int) ([]dispatch.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]dispatch.Run, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return fault.Wrap(ErrDisabled, "audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func replayRuns(path string) ([]dispatch.Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []dispatch.Run
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r dispatch.Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		out = appendBounded(out, r)
	}
	return out, sc.Err()
}

func appendBounded(runs []dispatch.Run, r dispatch.Run) []dispatch.Run {
	runs = append(runs, r)
	if n := len(runs) - fileRecent; n > 0 {
		runs = append(runs[:0], runs[n:]...)
	}
	return runs
}
