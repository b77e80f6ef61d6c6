package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "warden/pkg/logx"
)

const (
	defaultRevocationRefresh = "@every 5m"
	compactSpec              = "@daily"
	sweepSpec                = "@hourly"
	// Update backups and staging dirs older than this are leftovers of a
	// crashed install or update.
	staleAfter = 24 * time.Hour
)

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// jobs runs the host's periodic maintenance on a cron schedule.
type jobs struct {
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	ctx  context.Context
	c    *cron.Cron
	defs []jobDef
}

func newJobs(log logx.Logger) *jobs {
	return &jobs{
		log:    log.OrNop().With(logx.String("comp", "jobs")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Set replaces the job list. Running jobs are restarted with it.
func (j *jobs) Set(defs ...jobDef) error {
	for _, d := range defs {
		if _, err := j.parser.Parse(d.spec); err != nil {
			return fmt.Errorf("job %s: %w", d.name, err)
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.defs = append([]jobDef(nil), defs...)
	if j.c != nil {
		j.restartLocked()
	}
	return nil
}

func (j *jobs) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ctx = ctx
	j.restartLocked()
}

func (j *jobs) Stop() {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (j *jobs) restartLocked() {
	if j.c != nil {
		<-j.c.Stop().Done()
	}
	j.c = cron.New(cron.WithParser(j.parser))
	for _, d := range j.defs {
		if _, err := j.c.AddJob(d.spec, j.job(d)); err != nil {
			j.log.Warn("job not scheduled", logx.String("job", d.name), logx.Err(err))
		}
	}
	j.c.Start()
	j.log.Debug("jobs scheduled", logx.Int("jobs", len(j.defs)))
}

func (j *jobs) job(d jobDef) cron.Job {
	return cron.FuncJob(func() {
		defer func() {
			if r := recover(); r != nil {
				j.log.Error("job panic", logx.String("job", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		j.mu.Lock()
		parent := j.ctx
		j.mu.Unlock()
		if parent == nil || parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, d.timeout)
		defer cancel()
		start := time.Now()
		if err := d.run(ctx); err != nil {
			j.log.Warn("job failed", logx.String("job", d.name), logx.Err(err))
			return
		}
		j.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", time.Since(start)))
	})
}

// sweepStale removes update backups and staging directories older than
// maxAge from the plugins dir.
func sweepStale(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !(strings.HasPrefix(name, ".staging-") || strings.Contains(name, ".bak-")) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
