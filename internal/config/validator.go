package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// validateCronSchedule checks that a schedule expression parses with the
// standard 5-field cron grammar (descriptors like @hourly included).
func validateCronSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return nil
}
