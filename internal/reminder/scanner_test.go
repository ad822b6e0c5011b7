package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateekverma145/NGO-management-sub000/internal/lib/logger/sl"
	"github.com/prateekverma145/NGO-management-sub000/internal/mailer"
	"github.com/prateekverma145/NGO-management-sub000/internal/metrics"
	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/notification"
	"github.com/prateekverma145/NGO-management-sub000/internal/preference"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage/sqlite"
)

var (
	jst = time.FixedZone("JST", 9*60*60)
	// 2026-10-19 は月曜日。
	scanNow = time.Date(2026, 10, 19, 8, 0, 0, 0, jst)
)

type scanFixture struct {
	store   *sqlite.Storage
	prefs   *preference.Service
	scanner *Scanner
}

func newScanFixture(t *testing.T, requireOptIn bool) scanFixture {
	t.Helper()
	store, err := sqlite.New(t.Context(), ":memory:", sl.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	prefs := preference.New(sl.Discard(), store, store)
	return scanFixture{
		store:   store,
		prefs:   prefs,
		scanner: NewScanner(sl.Discard(), store, prefs, jst, requireOptIn),
	}
}

// seed は指定日時のリソースを作成し、参加者を登録する。
func (f scanFixture) seed(t *testing.T, at time.Time, participants ...string) model.Resource {
	t.Helper()
	ctx := t.Context()
	r := model.Resource{
		ID:          uuid.NewString(),
		OwnerID:     "owner-1",
		Kind:        model.KindEvent,
		Title:       gofakeit.Sentence(3),
		ScheduledAt: at.UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.store.SaveResource(ctx, r))
	for _, p := range participants {
		_, err := f.store.AddRegistrant(ctx, r.ID, model.Registrant{
			ParticipantID: p,
			Email:         p + "@example.com",
			RegisteredAt:  time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	return r
}

func recipients(jobs []model.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.Recipient.ParticipantID)
	}
	return ids
}

func TestScanner_DayBeforeJobs(t *testing.T) {
	t.Parallel()

	t.Run("希望者のみに翌日開催のリマインダーを生成すること", func(t *testing.T) {
		t.Parallel()
		f := newScanFixture(t, true)
		tomorrow := f.seed(t, time.Date(2026, 10, 20, 10, 0, 0, 0, jst), "alice", "bob")
		f.seed(t, time.Date(2026, 10, 19, 23, 59, 0, 0, jst), "alice")
		f.seed(t, time.Date(2026, 10, 21, 0, 0, 0, 0, jst), "alice")
		require.NoError(t, f.prefs.SetPreference(t.Context(), "alice", tomorrow.ID, true))

		jobs, err := f.scanner.DayBeforeJobs(t.Context(), scanNow)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "alice", jobs[0].Recipient.ParticipantID)
		assert.Equal(t, tomorrow.ID, jobs[0].ResourceID())
		assert.Equal(t, model.TypeDayBeforeReminder, jobs[0].Type)
		assert.Equal(t, "2026-10-19", jobs[0].Date.Format("2006-01-02"))
	})

	t.Run("希望を問わない設定では登録者全員に生成すること", func(t *testing.T) {
		t.Parallel()
		f := newScanFixture(t, false)
		f.seed(t, time.Date(2026, 10, 20, 0, 0, 0, 0, jst), "alice", "bob")
		f.seed(t, time.Date(2026, 10, 20, 23, 30, 0, 0, jst), "carol")

		jobs, err := f.scanner.DayBeforeJobs(t.Context(), scanNow)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, recipients(jobs))
	})
}

func TestScanner_SameDayJobs(t *testing.T) {
	t.Parallel()

	f := newScanFixture(t, true)
	today := f.seed(t, time.Date(2026, 10, 19, 18, 0, 0, 0, jst), "alice", "bob")
	f.seed(t, time.Date(2026, 10, 20, 9, 0, 0, 0, jst), "carol")

	jobs, err := f.scanner.SameDayJobs(t.Context(), scanNow)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, recipients(jobs))
	for _, j := range jobs {
		assert.Equal(t, today.ID, j.ResourceID())
		assert.Equal(t, model.TypeSameDayReminder, j.Type)
	}
}

func TestScanner_WeeklyDigestJobs(t *testing.T) {
	t.Parallel()

	f := newScanFixture(t, true)
	first := f.seed(t, time.Date(2026, 10, 19, 12, 0, 0, 0, jst), "alice")
	second := f.seed(t, time.Date(2026, 10, 22, 12, 0, 0, 0, jst), "alice", "bob")
	last := f.seed(t, time.Date(2026, 10, 26, 23, 0, 0, 0, jst), "alice")
	f.seed(t, time.Date(2026, 10, 27, 0, 0, 0, 0, jst), "alice")

	jobs, err := f.scanner.WeeklyDigestJobs(t.Context(), scanNow)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byRecipient := map[string]model.Job{}
	for _, j := range jobs {
		byRecipient[j.Recipient.ParticipantID] = j
		assert.Equal(t, model.TypeWeeklyDigest, j.Type)
		assert.Nil(t, j.Resource)
	}
	var ids []string
	for _, r := range byRecipient["alice"].Resources {
		ids = append(ids, r.ID)
		assert.Empty(t, r.Registrants)
	}
	assert.Equal(t, []string{first.ID, second.ID, last.ID}, ids)
	require.Len(t, byRecipient["bob"].Resources, 1)
	assert.Equal(t, second.ID, byRecipient["bob"].Resources[0].ID)
}

type failingSource struct{}

func (failingSource) ResourcesScheduledBetween(context.Context, time.Time, time.Time) ([]model.Resource, error) {
	return nil, errors.New("connection refused")
}

func TestScanner_QueryFailure(t *testing.T) {
	t.Parallel()

	s := NewScanner(sl.Discard(), failingSource{}, nil, jst, true)
	_, err := s.DayBeforeJobs(t.Context(), scanNow)
	require.Error(t, err)
	_, err = s.SameDayJobs(t.Context(), scanNow)
	require.Error(t, err)
	_, err = s.WeeklyDigestJobs(t.Context(), scanNow)
	require.Error(t, err)
}

// newPipeline は実ストア・ディスパッチャーを使ったスケジューラーを組み立てる。
func newPipeline(t *testing.T, f scanFixture, m *metrics.Metrics) *Scheduler {
	t.Helper()
	d, err := notification.New(sl.Discard(), f.store, mailer.NewLog(sl.Discard()), nil, m, notification.Config{
		Concurrency: 4,
		Location:    jst,
	})
	require.NoError(t, err)

	s, err := NewScheduler(sl.Discard(), Tasks(f.scanner, d, Schedules{
		DayBefore:    "0 18 * * *",
		SameDay:      "0 7 * * *",
		WeeklyDigest: "0 8 * * 1",
	}), Options{Location: jst, Metrics: m})
	require.NoError(t, err)
	s.now = func() time.Time { return scanNow }
	return s
}

func TestPipeline_WeeklyDigest(t *testing.T) {
	t.Parallel()

	f := newScanFixture(t, true)
	for _, day := range []int{19, 21, 24} {
		f.seed(t, time.Date(2026, 10, day, 10, 0, 0, 0, jst), "alice")
	}
	s := newPipeline(t, f, metrics.New())

	t.Run("3件のリソースに対して通知は1件だけ作成されること", func(t *testing.T) {
		res, err := s.Trigger(t.Context(), TaskWeeklyDigest)
		require.NoError(t, err)
		assert.Equal(t, notification.BatchResult{Jobs: 1, Notified: 1, Emailed: 1}, res)

		list, err := f.store.NotificationsByRecipient(t.Context(), "alice", false)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, model.TypeWeeklyDigest, list[0].Type)
	})

	t.Run("同じ日に再実行しても通知が増えないこと", func(t *testing.T) {
		res, err := s.Trigger(t.Context(), TaskWeeklyDigest)
		require.NoError(t, err)
		assert.Equal(t, notification.BatchResult{Jobs: 1, Duplicates: 1}, res)

		list, err := f.store.NotificationsByRecipient(t.Context(), "alice", false)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestPipeline_SameDayTwice(t *testing.T) {
	t.Parallel()

	f := newScanFixture(t, true)
	f.seed(t, time.Date(2026, 10, 19, 15, 0, 0, 0, jst), "alice", "bob", "carol")
	s := newPipeline(t, f, metrics.New())

	first, err := s.Trigger(t.Context(), TaskSameDay)
	require.NoError(t, err)
	second, err := s.Trigger(t.Context(), TaskSameDay)
	require.NoError(t, err)

	assert.Equal(t, 3, first.Notified)
	assert.Equal(t, 0, second.Notified)
	assert.Equal(t, 3, second.Duplicates)
}

func TestPipeline_QueryFailureAbortsRun(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	scanner := NewScanner(sl.Discard(), failingSource{}, nil, jst, false)
	s, err := NewScheduler(sl.Discard(), Tasks(scanner, nil, Schedules{
		DayBefore:    "0 18 * * *",
		SameDay:      "0 7 * * *",
		WeeklyDigest: "0 8 * * 1",
	}), Options{Location: jst, Metrics: m})
	require.NoError(t, err)

	_, err = s.Trigger(t.Context(), TaskSameDay)
	require.Error(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ScanRuns.WithLabelValues(TaskSameDay, metrics.ScanError)), 0)

	// 次の実行は改めて試みられる。
	_, err = s.Trigger(t.Context(), TaskSameDay)
	require.Error(t, err)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ScanRuns.WithLabelValues(TaskSameDay, metrics.ScanError)), 0)
}
