// Package reminder は開催日に基づいてリマインダーと週次ダイジェストのジョブを生成し、
// cron形式のスケジュールで定期実行する。
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prateekverma145/NGO-management-sub000/internal/model"
)

// ResourceSource は開催日時の範囲でリソースを検索する。
type ResourceSource interface {
	ResourcesScheduledBetween(ctx context.Context, from, to time.Time) ([]model.Resource, error)
}

// OptInChecker は参加者がリソースのリマインダーを希望しているかどうかを返す。
type OptInChecker interface {
	IsOptedIn(ctx context.Context, participantID, resourceID string) (bool, error)
}

// digestDays は週次ダイジェストの対象期間。当日を含めて8日分（today から today+7 まで）。
const digestDays = 8

// Scanner は暦日の窓でリソースを選び、受信者ごとのジョブを組み立てる。
type Scanner struct {
	log       *slog.Logger
	resources ResourceSource
	optIns    OptInChecker
	loc       *time.Location
	// dayBeforeRequiresOptIn が true の場合、前日リマインダーは希望者にのみ送る。
	dayBeforeRequiresOptIn bool
}

// NewScanner は新しいScannerを生成する。locは暦日の判定に使うタイムゾーン。
func NewScanner(
	log *slog.Logger,
	resources ResourceSource,
	optIns OptInChecker,
	loc *time.Location,
	dayBeforeRequiresOptIn bool,
) *Scanner {
	if loc == nil {
		loc = time.UTC
	}
	return &Scanner{
		log:                    log,
		resources:              resources,
		optIns:                 optIns,
		loc:                    loc,
		dayBeforeRequiresOptIn: dayBeforeRequiresOptIn,
	}
}

// startOfDay はnowが属する暦日の0時を返す。
func (s *Scanner) startOfDay(now time.Time) time.Time {
	y, m, d := now.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

// DayBeforeJobs は翌日開催のリソースについて、登録者ごとの前日リマインダーを返す。
func (s *Scanner) DayBeforeJobs(ctx context.Context, now time.Time) ([]model.Job, error) {
	const op = "reminder.DayBeforeJobs"

	today := s.startOfDay(now)
	from := today.AddDate(0, 0, 1)
	resources, err := s.resources.ResourcesScheduledBetween(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var jobs []model.Job
	for i := range resources {
		r := &resources[i]
		for _, reg := range r.Registrants {
			if s.dayBeforeRequiresOptIn {
				ok, err := s.optIns.IsOptedIn(ctx, reg.ParticipantID, r.ID)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", op, err)
				}
				if !ok {
					continue
				}
			}
			jobs = append(jobs, model.Job{Type: model.TypeDayBeforeReminder, Recipient: reg, Resource: r, Date: today})
		}
	}
	return jobs, nil
}

// SameDayJobs は当日開催のリソースについて、登録者ごとの当日リマインダーを返す。
func (s *Scanner) SameDayJobs(ctx context.Context, now time.Time) ([]model.Job, error) {
	const op = "reminder.SameDayJobs"

	today := s.startOfDay(now)
	resources, err := s.resources.ResourcesScheduledBetween(ctx, today, today.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var jobs []model.Job
	for i := range resources {
		r := &resources[i]
		for _, reg := range r.Registrants {
			jobs = append(jobs, model.Job{Type: model.TypeSameDayReminder, Recipient: reg, Resource: r, Date: today})
		}
	}
	s.log.Info("本日開催のリソースを検出しました",
		slog.String("op", op),
		slog.Int("resources", len(resources)),
		slog.Int("jobs", len(jobs)),
	)
	return jobs, nil
}

// WeeklyDigestJobs は今後1週間に開催されるリソースを受信者ごとにまとめ、
// 受信者1人につき1件のダイジェストを返す。
func (s *Scanner) WeeklyDigestJobs(ctx context.Context, now time.Time) ([]model.Job, error) {
	const op = "reminder.WeeklyDigestJobs"

	today := s.startOfDay(now)
	resources, err := s.resources.ResourcesScheduledBetween(ctx, today, today.AddDate(0, 0, digestDays))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	index := make(map[string]int)
	var jobs []model.Job
	for _, r := range resources {
		listed := r
		listed.Registrants = nil
		for _, reg := range r.Registrants {
			i, ok := index[reg.ParticipantID]
			if !ok {
				i = len(jobs)
				index[reg.ParticipantID] = i
				jobs = append(jobs, model.Job{Type: model.TypeWeeklyDigest, Recipient: reg, Date: today})
			}
			jobs[i].Resources = append(jobs[i].Resources, listed)
		}
	}
	return jobs, nil
}
