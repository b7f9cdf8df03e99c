package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Job runs at a scheduled instant.
type Job func(ctx context.Context, now time.Time)

// Scheduler fires the nightly ingest and the monthly publication at fixed
// UTC wall-clock times.
type Scheduler struct {
	IngestAt   string
	PublishDay int
	PublishAt  string
	Ingest     Job
	Publish    Job
	Log        *slog.Logger
	Now        func() time.Time

	stop chan struct{}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Start launches the timer goroutines. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	if s.Ingest != nil {
		go s.loop(ctx, "ingest", s.nextIngest, s.Ingest)
	}
	if s.Publish != nil {
		go s.loop(ctx, "publish", s.nextPublish, s.Publish)
	}
}

// Stop halts the timer goroutines.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.stop = nil
}

func (s *Scheduler) loop(ctx context.Context, name string, next func(time.Time) time.Time, job Job) {
	stop := s.stop
	for {
		now := s.now().UTC()
		at := next(now)
		timer := time.NewTimer(at.Sub(now))
		s.log().Info("job scheduled", "job", name, "at", at.Format(time.RFC3339))
		select {
		case t := <-timer.C:
			job(ctx, t)
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) nextIngest(now time.Time) time.Time {
	hour, minute := parseClock(s.IngestAt, 2, 0)
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func (s *Scheduler) nextPublish(now time.Time) time.Time {
	day := s.PublishDay
	if day < 1 || day > 28 {
		day = 1
	}
	hour, minute := parseClock(s.PublishAt, 6, 0)
	at := time.Date(now.Year(), now.Month(), day, hour, minute, 0, 0, time.UTC)
	if !at.After(now) {
		at = time.Date(now.Year(), now.Month()+1, day, hour, minute, 0, 0, time.UTC)
	}
	return at
}

func parseClock(v string, defHour, defMinute int) (int, int) {
	var hour, minute int
	if _, err := fmt.Sscanf(v, "%d:%d", &hour, &minute); err != nil {
		return defHour, defMinute
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return defHour, defMinute
	}
	return hour, minute
}
