package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/prateekverma145/NGO-management-sub000/internal/lib/logger/sl"
	"github.com/prateekverma145/NGO-management-sub000/internal/metrics"
	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/notification"
	"github.com/prateekverma145/NGO-management-sub000/internal/runlock"
	"github.com/prateekverma145/NGO-management-sub000/pkg/event"
)

// タスク名。
const (
	TaskDayBefore    = "day-before"
	TaskSameDay      = "same-day"
	TaskWeeklyDigest = "weekly-digest"
)

var (
	ErrUnknownTask    = errors.New("スキャンタスクが見つかりません")
	ErrAlreadyRunning = errors.New("スキャンタスクは実行中です")
	ErrStopped        = errors.New("スケジューラーは停止しています")
)

// Task は名前付きの定期スキャン。Runには実行時刻が渡される。
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context, now time.Time) (notification.BatchResult, error)
}

// Dispatcher はジョブを処理して集計を返す。
type Dispatcher interface {
	DispatchBatch(ctx context.Context, jobs []model.Job) notification.BatchResult
}

// Schedules は各タスクのcron式。
type Schedules struct {
	DayBefore    string
	SameDay      string
	WeeklyDigest string
}

// Tasks はスキャナーとディスパッチャーから3種類のタスクを組み立てる。
func Tasks(scanner *Scanner, dispatcher Dispatcher, schedules Schedules) []Task {
	wrap := func(jobs func(context.Context, time.Time) ([]model.Job, error)) func(context.Context, time.Time) (notification.BatchResult, error) {
		return func(ctx context.Context, now time.Time) (notification.BatchResult, error) {
			list, err := jobs(ctx, now)
			if err != nil {
				return notification.BatchResult{}, err
			}
			return dispatcher.DispatchBatch(ctx, list), nil
		}
	}
	return []Task{
		{Name: TaskDayBefore, Schedule: schedules.DayBefore, Run: wrap(scanner.DayBeforeJobs)},
		{Name: TaskSameDay, Schedule: schedules.SameDay, Run: wrap(scanner.SameDayJobs)},
		{Name: TaskWeeklyDigest, Schedule: schedules.WeeklyDigest, Run: wrap(scanner.WeeklyDigestJobs)},
	}
}

// EventPublisher はスキャン完了イベントを配信する。
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *event.Event) error
}

// Options はSchedulerの任意設定。
type Options struct {
	// Location はcron式を解釈するタイムゾーン。
	Location *time.Location
	// Locker は複数インスタンス間の排他に使う。nilの場合はプロセス内の排他のみ。
	Locker runlock.Locker
	// LockTTL はロックの有効期間。
	LockTTL   time.Duration
	Metrics   *metrics.Metrics
	Publisher EventPublisher
}

type scheduledTask struct {
	Task
	running atomic.Bool
}

// Scheduler はタスクをcronスケジュールで実行する。同じタスクが重なって実行されることはない。
type Scheduler struct {
	log       *slog.Logger
	cron      *cron.Cron
	tasks     map[string]*scheduledTask
	order     []string
	locker    runlock.Locker
	lockTTL   time.Duration
	metrics   *metrics.Metrics
	publisher EventPublisher
	now       func() time.Time

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler は新しいSchedulerを生成する。cron式が不正な場合はエラーを返す。
func NewScheduler(log *slog.Logger, tasks []Task, opts Options) (*Scheduler, error) {
	const op = "reminder.NewScheduler"

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	locker := opts.Locker
	if locker == nil {
		locker = runlock.Noop{}
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:       log,
		cron:      cron.New(cron.WithLocation(loc)),
		tasks:     make(map[string]*scheduledTask, len(tasks)),
		locker:    locker,
		lockTTL:   lockTTL,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, t := range tasks {
		if _, dup := s.tasks[t.Name]; dup {
			cancel()
			return nil, fmt.Errorf("%s: タスク名が重複しています: %q", op, t.Name)
		}
		st := &scheduledTask{Task: t}
		if _, err := s.cron.AddFunc(t.Schedule, func() { s.runScheduled(st) }); err != nil {
			cancel()
			return nil, fmt.Errorf("%s: %s: %w", op, t.Name, err)
		}
		s.tasks[t.Name] = st
		s.order = append(s.order, t.Name)
	}
	return s, nil
}

// TaskNames は登録済みのタスク名を登録順に返す。
func (s *Scheduler) TaskNames() []string {
	return append([]string(nil), s.order...)
}

// Start はcronスケジュールでの実行を開始する。
func (s *Scheduler) Start() {
	s.log.Info("スケジューラーを開始します", slog.Any("tasks", s.order))
	s.cron.Start()
}

// Stop は新しい実行を受け付けなくし、実行中のタスクの終了を待つ。
// ctxが先に終了した場合は実行中のタスクをキャンセルする。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.log.Info("スケジューラーを停止しました")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("reminder.Stop: %w", ctx.Err())
	}
}

// Trigger はタスクを即座に実行し、集計を返す。
// 呼び出し元のctxがキャンセルされてもバッチは最後まで処理する。中断はStopのみが行う。
func (s *Scheduler) Trigger(ctx context.Context, name string) (notification.BatchResult, error) {
	const op = "reminder.Trigger"

	st, ok := s.tasks[name]
	if !ok {
		return notification.BatchResult{}, fmt.Errorf("%s: %w: %q", op, ErrUnknownTask, name)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	res, err := s.run(runCtx, st)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

func (s *Scheduler) runScheduled(st *scheduledTask) {
	// エラーはrun内でログとメトリクスに記録済み。
	_, _ = s.run(s.ctx, st)
}

func (s *Scheduler) run(ctx context.Context, st *scheduledTask) (notification.BatchResult, error) {
	const op = "reminder.run"
	log := s.log.With(slog.String("op", op), slog.String("task", st.Name))

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return notification.BatchResult{}, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !st.running.CompareAndSwap(false, true) {
		log.Warn("前回の実行が終わっていないためスキップしました")
		s.metrics.Scan(st.Name, metrics.ScanSkipped, 0)
		return notification.BatchResult{}, ErrAlreadyRunning
	}
	defer st.running.Store(false)

	release, ok, err := s.locker.TryLock(ctx, st.Name, s.lockTTL)
	if err != nil {
		log.Error("ロックの取得に失敗しました", sl.Err(err))
		s.metrics.Scan(st.Name, metrics.ScanError, 0)
		return notification.BatchResult{}, err
	}
	if !ok {
		log.Info("他のインスタンスが実行中のためスキップしました")
		s.metrics.Scan(st.Name, metrics.ScanSkipped, 0)
		return notification.BatchResult{}, ErrAlreadyRunning
	}
	defer release()

	start := time.Now()
	res, err := st.Run(ctx, s.now())
	elapsed := time.Since(start)
	if err != nil {
		log.Error("スキャンに失敗しました", sl.Err(err))
		s.metrics.Scan(st.Name, metrics.ScanError, elapsed)
		return res, err
	}
	s.metrics.Scan(st.Name, metrics.ScanOK, elapsed)
	log.Info("スキャンが完了しました",
		slog.Int("jobs", res.Jobs),
		slog.Int("notified", res.Notified),
		slog.Int("emailed", res.Emailed),
		slog.Int("email_failed", res.EmailFailed),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("failed", res.Failed),
		slog.Duration("elapsed", elapsed),
	)
	s.publishCompleted(ctx, log, st.Name, res)
	return res, nil
}

func (s *Scheduler) publishCompleted(ctx context.Context, log *slog.Logger, name string, res notification.BatchResult) {
	if s.publisher == nil {
		return
	}
	ev, err := event.New(name, event.AggregateTypeScan, event.TypeScanCompleted, 1, event.ScanCompletedData{
		Jobs:        res.Jobs,
		Notified:    res.Notified,
		EmailFailed: res.EmailFailed,
	})
	if err == nil {
		err = s.publisher.PublishEvent(ctx, ev)
	}
	if err != nil {
		log.Warn("イベントの配信に失敗しました", sl.Err(err))
	}
}
