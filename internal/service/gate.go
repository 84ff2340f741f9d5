package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/makeasinger/audiogen/internal/log"
	"github.com/makeasinger/audiogen/internal/model"
	"github.com/makeasinger/audiogen/internal/store"
)

var (
	// ErrConcurrencyExhausted means the organization stayed at its running
	// cap for the whole backoff schedule.
	ErrConcurrencyExhausted = errors.New("concurrency exhausted")
	// ErrNotQueued means the job left queued before it was admitted.
	ErrNotQueued = errors.New("job is no longer queued")
)

// GateConfig bounds running jobs per organization and the admission schedule
type GateConfig struct {
	MaxRunning     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// Admission is the outcome of one admission attempt
type Admission struct {
	Admitted bool
	Attempt  int
	// RetryIn is how long to wait before the next attempt when not admitted
	RetryIn time.Duration
}

// Gate is per-organization admission control. The catalog's running count and
// the job's admission attempts are the only state; there is no in-process
// semaphore and no waiting.
type Gate struct {
	repo store.Repository
	cfg  GateConfig
	now  func() time.Time
}

func NewGate(repo store.Repository, cfg GateConfig) *Gate {
	if cfg.MaxRunning < 1 {
		cfg.MaxRunning = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Gate{
		repo: repo,
		cfg:  cfg,
		now:  time.Now,
	}
}

// Admit makes one attempt to move job from queued to running. When the
// organization is at its cap it returns at once with the delay before the
// next attempt: initial, doubled, ... capped at max. The caller hands the
// job back to its dispatcher for that delay.
func (g *Gate) Admit(ctx context.Context, job *model.Job) (Admission, error) {
	adm := Admission{Attempt: job.AdmissionAttempts + 1}

	outcome, err := g.repo.TryStart(ctx, job.ID, job.OrganizationID, g.cfg.MaxRunning, g.now().UTC())
	if err != nil {
		return adm, fmt.Errorf("admission check failed: %w", err)
	}

	switch outcome {
	case store.Started:
		log.Debug("job admitted", "jobId", job.ID, "org", job.OrganizationID, "attempt", adm.Attempt)
		adm.Admitted = true
		return adm, nil
	case store.NotQueued:
		return adm, ErrNotQueued
	}

	if adm.Attempt >= g.cfg.MaxAttempts {
		return adm, fmt.Errorf("%w: organization %s stayed at %d running jobs after %d attempts",
			ErrConcurrencyExhausted, job.OrganizationID, g.cfg.MaxRunning, adm.Attempt)
	}
	adm.RetryIn = g.backoff(adm.Attempt)
	log.Debug("organization at capacity", "jobId", job.ID, "org", job.OrganizationID, "attempt", adm.Attempt, "retryIn", adm.RetryIn.String())
	return adm, nil
}

func (g *Gate) backoff(attempt int) time.Duration {
	d := g.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= g.cfg.MaxBackoff {
			return g.cfg.MaxBackoff
		}
	}
	return d
}
