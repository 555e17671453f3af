package chat

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// janitor prunes retired thread wrappers on a schedule so the registry
// stays bounded no matter how many subagents a long-lived chat spawns.
type janitor struct {
	chat      *Chat
	cron      *cron.Cron
	retention time.Duration
	logger    zerolog.Logger
}

func newJanitor(c *Chat, schedule string, retention time.Duration, logger zerolog.Logger) (*janitor, error) {
	j := &janitor{
		chat:      c,
		cron:      cron.New(),
		retention: retention,
		logger:    logger,
	}

	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins scheduled pruning
func (j *janitor) Start() {
	j.cron.Start()
	j.logger.Debug().Dur("retention", j.retention).Msg("Janitor started")
}

// Stop halts the schedule; a run already in progress finishes
func (j *janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *janitor) run() {
	j.chat.prune(j.retention)
}
