package store

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor periodically prunes old non-summary rows so the database
// does not grow without bound
type Janitor struct {
	cron  *cron.Cron
	store *SQLite
	keep  int
}

// NewJanitor schedules pruning with a standard cron expression.
// keep is the number of recent non-summary rows to retain.
func NewJanitor(store *SQLite, schedule string, keep int) (*Janitor, error) {
	j := &Janitor{
		cron:  cron.New(),
		store: store,
		keep:  keep,
	}

	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule: %w", err)
	}

	return j, nil
}

// Start begins the schedule
func (j *Janitor) Start() {
	j.cron.Start()
	log.Info().Int("keep", j.keep).Msg("Store janitor started")
}

// Stop halts the schedule; a run in progress completes
func (j *Janitor) Stop() {
	j.cron.Stop()
}

func (j *Janitor) run() {
	before, err := j.store.MessageCount()
	if err != nil {
		log.Warn().Err(err).Msg("Janitor failed to count messages")
		return
	}

	if err := j.store.DeleteOldMessages(j.keep); err != nil {
		log.Warn().Err(err).Msg("Janitor failed to prune messages")
		return
	}

	after, err := j.store.MessageCount()
	if err != nil {
		log.Warn().Err(err).Msg("Janitor failed to count messages")
		return
	}

	if before != after {
		log.Info().Int("pruned", before-after).Msg("Janitor pruned old messages")
	}
}
