package counter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/recoverly-app/recoverly/app/repository"
	"github.com/recoverly-app/recoverly/internal/pkg/cache"
)

const (
	eventsIngestedKey    = "recovery:counters:events_ingested"
	duplicateEventsKey   = "recovery:counters:duplicate_events"
	jobsCompletedKey     = "recovery:counters:jobs_completed"
	jobsDeadLetteredKey  = "recovery:counters:jobs_dead_lettered"
	notificationsSentKey = "recovery:counters:notifications_sent"
	casesOpenedKey       = "recovery:counters:cases_opened"
	casesRecoveredKey    = "recovery:counters:cases_recovered"
)

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func increment(key string) {
	ctx := context.Background()
	// Best-effort: counters never fail business flow.
	_ = cache.GetClient().HIncrBy(ctx, key, today(), 1).Err()
}

// AddEventIngested counts one accepted, non-duplicate webhook event.
func AddEventIngested() { increment(eventsIngestedKey) }

// AddDuplicateEvent counts a deduplicated re-delivery.
func AddDuplicateEvent() { increment(duplicateEventsKey) }

// AddJobCompleted counts one successfully completed job.
func AddJobCompleted() { increment(jobsCompletedKey) }

// AddJobDeadLettered counts one job moved to dead_letter.
func AddJobDeadLettered() { increment(jobsDeadLetteredKey) }

// AddNotificationSent counts one delivered nudge/reminder.
func AddNotificationSent() { increment(notificationsSentKey) }

// AddCaseOpened counts one newly opened recovery case.
func AddCaseOpened() { increment(casesOpenedKey) }

// AddCaseRecovered counts one case transitioned to recovered.
func AddCaseRecovered() { increment(casesRecoveredKey) }

// FlushAll drains all pending counters into daily_stats rows.
func FlushAll() error {
	flushes := []struct {
		redisKey string
		column   string
	}{
		{eventsIngestedKey, "events_ingested"},
		{duplicateEventsKey, "duplicate_events"},
		{jobsCompletedKey, "jobs_completed"},
		{jobsDeadLetteredKey, "jobs_dead_lettered"},
		{notificationsSentKey, "notifications_sent"},
		{casesOpenedKey, "cases_opened"},
		{casesRecoveredKey, "cases_recovered"},
	}
	for _, f := range flushes {
		if err := flushHashToDailyStats(f.redisKey, f.column); err != nil {
			return err
		}
	}
	return nil
}

// flushHashToDailyStats drains a Redis hash atomically and applies batched
// increments to the daily_stats table. Uses RENAME to a temporary key for an
// atomic drain without losing in-flight increments.
func flushHashToDailyStats(redisKey, column string) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		if err.Error() == "redis: nil" {
			return nil
		}
		return err
	}

	// Ensure cleanup of tmpKey even if later steps fail
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	stats := repository.GetGlobalFactory().GetStatsRepository()
	for date, v := range data {
		inc, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || inc == 0 {
			continue
		}
		if err := stats.IncrementDaily(ctx, date, column, inc); err != nil {
			return err
		}
	}
	return nil
}
