package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/CK6170/AnalogShield-go/calibration"
	"github.com/CK6170/AnalogShield-go/models"
)

type runStatus string

const (
	runRunning   runStatus = "running"
	runDone      runStatus = "done"
	runFailed    runStatus = "failed"
	runCancelled runStatus = "cancelled"
)

// RunResult is the outcome of one job inside a run.
type RunResult struct {
	Direction string      `json:"direction"`
	Channel   int         `json:"channel"`
	Fit       *models.FIT `json:"fit,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// RunRecord is one calibration run started over the API.
type RunRecord struct {
	ID       string      `json:"id"`
	Status   runStatus   `json:"status"`
	Started  time.Time   `json:"started"`
	Finished time.Time   `json:"finished,omitempty"`
	Results  []RunResult `json:"results"`
}

// RunStore keeps run records in memory for the life of the process.
type RunStore struct {
	mu sync.RWMutex
	m  map[string]*RunRecord
}

func NewRunStore() *RunStore {
	return &RunStore{m: make(map[string]*RunRecord)}
}

func (s *RunStore) Put() (*RunRecord, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	rec := &RunRecord{ID: id, Status: runRunning, Started: time.Now()}
	s.mu.Lock()
	s.m[id] = rec
	s.mu.Unlock()
	return rec, nil
}

// Get returns a copy of the record.
func (s *RunStore) Get(id string) (RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[id]
	if !ok {
		return RunRecord{}, false
	}
	cp := *r
	cp.Results = append([]RunResult(nil), r.Results...)
	return cp, true
}

// Update safely mutates an existing record under a write lock.
func (s *RunStore) Update(id string, fn func(r *RunRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok || r == nil {
		return fmt.Errorf("not found")
	}
	fn(r)
	return nil
}

func (s *RunStore) addResult(id string, job calibration.Job, fit *models.FIT, err error) {
	res := RunResult{Direction: job.Direction.String(), Channel: int(job.Channel), Fit: fit}
	if err != nil {
		res.Error = err.Error()
	}
	_ = s.Update(id, func(r *RunRecord) { r.Results = append(r.Results, res) })
}

func newID() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
