// Package icron describes when a cron expression fires relative to a point
// in time.
package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// standardParser accepts the same five-field expressions and @descriptors
// as cron.ParseStandard.
var standardParser = cron.NewParser(cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
	// Last is zero when the expression did not fire within the past year.
	Last time.Time `json:"last,omitzero"`

	TimeSinceLast time.Duration `json:"time_since_last"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := standardParser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       schedule.Next(refTime),
		Last:       lastBefore(schedule, refTime),
	}
	if !info.Last.IsZero() {
		info.TimeSinceLast = refTime.Sub(info.Last)
	}
	info.TimeUntilNext = info.Next.Sub(refTime)
	return info, nil
}

// lastBefore walks back an hour at a time until the schedule has a firing at
// or before refTime, then follows firings forward to the latest such one.
func lastBefore(schedule cron.Schedule, refTime time.Time) time.Time {
	searchStart := refTime.Add(-time.Minute)
	for i := range 366 * 24 {
		checkTime := searchStart.Add(-time.Duration(i) * time.Hour)
		candidate := schedule.Next(checkTime)
		if candidate.After(refTime) {
			continue
		}
		for {
			next := schedule.Next(candidate)
			if next.After(refTime) || next.IsZero() {
				return candidate
			}
			candidate = next
		}
	}
	return time.Time{}
}
