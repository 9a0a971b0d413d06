package attachments

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultSweepSchedule = "@every 30m"
)

// Janitor periodically removes staged image directories that outlived their
// run, e.g. after a crash. Directories of live runs are never touched.
type Janitor struct {
	ttl      time.Duration
	schedule cron.Schedule
	spec     string

	mu      sync.Mutex
	roots   map[string]struct{}
	live    map[string]struct{}
	cron    *cron.Cron
	running bool
}

// NewJanitor validates the sweep schedule (standard cron or @every syntax).
func NewJanitor(ttl time.Duration, schedule string) (*Janitor, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return &Janitor{
		ttl:      ttl,
		schedule: parsed,
		spec:     schedule,
		roots:    make(map[string]struct{}),
		live:     make(map[string]struct{}),
	}, nil
}

// Track remembers the working directory of s for future sweeps and protects
// s.Dir until it is released.
func (j *Janitor) Track(cwd string, s *Staged) {
	if s == nil {
		return
	}

	j.mu.Lock()
	j.roots[filepath.Join(cwd, ImagesDir)] = struct{}{}
	j.live[s.Dir] = struct{}{}
	j.mu.Unlock()

	s.onRelease = func(dir string) {
		j.mu.Lock()
		delete(j.live, dir)
		j.mu.Unlock()
	}
}

// Start schedules sweeps.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	j.cron = cron.New()
	j.cron.Schedule(j.schedule, cron.FuncJob(func() {
		if n := j.SweepNow(time.Now()); n > 0 {
			log.Info().Int("removed", n).Msg("Swept stale image attachments")
		}
	}))
	j.cron.Start()
	j.running = true

	log.Info().Str("schedule", j.spec).Dur("ttl", j.ttl).Msg("Attachment janitor started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	running := j.running
	j.running = false
	j.mu.Unlock()

	if !running {
		return
	}
	<-c.Stop().Done()
	log.Info().Msg("Attachment janitor stopped")
}

// IsRunning reports whether sweeps are scheduled.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// SweepNow removes directories older than the TTL and returns how many were
// deleted.
func (j *Janitor) SweepNow(now time.Time) int {
	j.mu.Lock()
	roots := make([]string, 0, len(j.roots))
	for root := range j.roots {
		roots = append(roots, root)
	}
	live := make(map[string]struct{}, len(j.live))
	for dir := range j.live {
		live[dir] = struct{}{}
	}
	j.mu.Unlock()

	removed := 0
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warn().Err(err).Str("root", root).Msg("Failed to list staged images")
			}
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			if _, ok := live[dir]; ok {
				continue
			}
			if now.Sub(stagedAt(entry)) < j.ttl {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove stale images")
				continue
			}
			removed++
		}
	}
	return removed
}

// stagedAt reads the staging time from the directory name, falling back to
// the modification time.
func stagedAt(entry os.DirEntry) time.Time {
	if ms, err := strconv.ParseInt(entry.Name(), 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	if info, err := entry.Info(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}
