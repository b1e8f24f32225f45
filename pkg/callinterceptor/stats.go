package callinterceptor

import (
	"sync"
	"time"

	"github.com/rglonek/logger"
)

type stats struct {
	lock              sync.RWMutex
	ignoredCount      int
	allowedCount      int
	allowListedCount  int
	blockListedCount  int
	spamCount         int
	terminateFailures int
	lookupCount       int
	lookupTotalTime   time.Duration
	oldCounts         int
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Ignored           int    `json:"ignored"`
	Allowed           int    `json:"allowed"`
	AllowListed       int    `json:"allow_listed"`
	BlockListed       int    `json:"block_listed"`
	Spam              int    `json:"spam"`
	TerminateFailures int    `json:"terminate_failures"`
	AverageLookupTime string `json:"average_lookup_time"`
}

func (s *stats) addOutcome(o Outcome) {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch o {
	case OutcomeIgnored:
		s.ignoredCount++
	case OutcomeAllowed:
		s.allowedCount++
	case OutcomeAllowListed:
		s.allowListedCount++
	case OutcomeBlockListed:
		s.blockListedCount++
	case OutcomeSpam:
		s.spamCount++
	}
}

func (s *stats) addLookup(lookupTime time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lookupCount++
	s.lookupTotalTime += lookupTime
}

func (s *stats) addTerminateFailure() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.terminateFailures++
}

func (s *stats) snapshot() StatsSnapshot {
	s.lock.RLock()
	defer s.lock.RUnlock()
	avg := time.Duration(0)
	if s.lookupCount > 0 {
		avg = s.lookupTotalTime / time.Duration(s.lookupCount)
	}
	return StatsSnapshot{
		Ignored:           s.ignoredCount,
		Allowed:           s.allowedCount,
		AllowListed:       s.allowListedCount,
		BlockListed:       s.blockListedCount,
		Spam:              s.spamCount,
		TerminateFailures: s.terminateFailures,
		AverageLookupTime: avg.String(),
	}
}

func (s *stats) print(log *logger.Logger) {
	snap := s.snapshot()
	total := snap.Ignored + snap.Allowed + snap.AllowListed + snap.BlockListed + snap.Spam
	s.lock.Lock()
	if s.oldCounts == total {
		s.lock.Unlock()
		return
	}
	s.oldCounts = total
	s.lock.Unlock()
	log.Info("Stats: blockListed=%d spam=%d allowed=%d allowListed=%d ignored=%d terminateFailures=%d averageLookupTime=%s",
		snap.BlockListed, snap.Spam, snap.Allowed, snap.AllowListed, snap.Ignored, snap.TerminateFailures, snap.AverageLookupTime)
}
