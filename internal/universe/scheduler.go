package universe

import (
	"context"
	"time"

	"stockscout/internal/observ"
)

// Scheduler runs the daily scan pass: pick the weekday batch, re-score
// the active tiers, merge, expire, persist.
type Scheduler struct {
	scanner     *Scanner
	store       *Store
	uni         *Universe
	activeTTL   time.Duration
	watchingTTL time.Duration
	now         func() time.Time
}

// SchedulerConfig carries the staleness horizons in days.
type SchedulerConfig struct {
	ActiveDays   int
	WatchingDays int
}

func NewScheduler(scanner *Scanner, store *Store, uni *Universe, cfg SchedulerConfig) *Scheduler {
	if cfg.ActiveDays <= 0 {
		cfg.ActiveDays = 1
	}
	if cfg.WatchingDays <= 0 {
		cfg.WatchingDays = 7
	}
	return &Scheduler{
		scanner:     scanner,
		store:       store,
		uni:         uni,
		activeTTL:   time.Duration(cfg.ActiveDays) * 24 * time.Hour,
		watchingTTL: time.Duration(cfg.WatchingDays) * 24 * time.Hour,
		now:         time.Now,
	}
}

// Report summarizes one scheduler pass for logging and the status view.
type Report struct {
	Day       time.Weekday `json:"-"`
	DayName   string       `json:"day"`
	Idle      bool         `json:"idle"`
	StartedAt time.Time    `json:"started_at"`
	BatchSize int          `json:"batch_size"`
	Rescans   int          `json:"rescans"`
	Scored    int          `json:"scored"`
	Filtered  int          `json:"filtered"`
	Errors    int          `json:"errors"`
	Stale     int          `json:"stale_dropped"`
	Promoted  int          `json:"promoted"`
	Demoted   int          `json:"demoted"`
	Hot       int          `json:"hot"`
	Warming   int          `json:"warming"`
	Watching  int          `json:"watching"`
	Elapsed   time.Duration `json:"-"`
}

// Run executes one pass for the current day. Monday through Friday
// scores that day's batch plus every hot and warming ticker; Saturday
// re-scores hot and warming only; Sunday does nothing. Per-ticker
// failures are skipped, so a pass only errors when persisted state
// cannot be read or written.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	started := s.now()
	day := started.Weekday()
	report := &Report{Day: day, DayName: day.String(), StartedAt: started}

	if day == time.Sunday {
		report.Idle = true
		observ.Log("scan_pass_idle", map[string]any{"day": day.String()})
		return report, nil
	}

	tiers, err := s.store.LoadTiers()
	if err != nil {
		return nil, err
	}
	prev := make(map[string]Tier)
	for _, e := range tiers.All() {
		prev[e.Ticker] = TierFor(e.Score.Composite)
	}

	jobs := s.buildJobs(tiers, day)
	report.Rescans = len(tiers.Active())
	report.BatchSize = len(jobs) - report.Rescans

	return s.completePass(ctx, tiers, prev, jobs, report)
}

// RunFull scores the entire universe in one pass regardless of weekday,
// for first-time seeding and manual refreshes. Tickers already hot or
// warming keep their filter exemption.
func (s *Scheduler) RunFull(ctx context.Context) (*Report, error) {
	started := s.now()
	day := started.Weekday()
	report := &Report{Day: day, DayName: day.String(), StartedAt: started}

	tiers, err := s.store.LoadTiers()
	if err != nil {
		return nil, err
	}
	prev := make(map[string]Tier)
	for _, e := range tiers.All() {
		prev[e.Ticker] = TierFor(e.Score.Composite)
	}

	var jobs []Job
	queued := make(map[string]bool)
	for _, e := range tiers.Active() {
		sector := e.Sector
		if sector == "" {
			sector = s.uni.Sector(e.Ticker)
		}
		jobs = append(jobs, Job{Ticker: e.Ticker, Sector: sector, Exempt: true})
		queued[e.Ticker] = true
	}
	for _, t := range s.uni.Tickers() {
		if queued[t] {
			continue
		}
		jobs = append(jobs, Job{Ticker: t, Sector: s.uni.Sector(t), Exempt: false})
	}
	report.Rescans = len(tiers.Active())
	report.BatchSize = len(jobs) - report.Rescans

	return s.completePass(ctx, tiers, prev, jobs, report)
}

// completePass runs the shared back half of a pass: scan, merge, expire,
// record transitions, persist.
func (s *Scheduler) completePass(ctx context.Context, tiers *Tiers, prev map[string]Tier, jobs []Job, report *Report) (*Report, error) {
	started := report.StartedAt
	day := report.Day

	observ.Log("scan_pass_start", map[string]any{
		"day":     day.String(),
		"batch":   report.BatchSize,
		"rescans": report.Rescans,
	})

	entries, stats := s.scanner.Scan(ctx, jobs)
	report.Scored = stats.Scored
	report.Filtered = stats.Filtered
	report.Errors = stats.Errors

	next := rebucket(merge(tiers.All(), entries))
	stale := dropStale(next, started, s.activeTTL, s.watchingTTL)
	report.Stale = len(stale)
	for _, ticker := range stale {
		observ.Log("tier_entry_expired", map[string]any{"ticker": ticker})
	}

	s.recordTransitions(prev, next, stale, report)

	if err := s.store.SaveTiers(next); err != nil {
		return nil, err
	}
	s.updateProgress(started, day, stats.Scored)

	report.Hot, report.Warming, report.Watching = next.Counts()
	report.Elapsed = s.now().Sub(started)
	observ.ObserveDuration("scan_pass", report.Elapsed, nil)
	observ.Log("scan_pass_complete", map[string]any{
		"day":      day.String(),
		"scored":   report.Scored,
		"filtered": report.Filtered,
		"errors":   report.Errors,
		"stale":    report.Stale,
		"hot":      report.Hot,
		"warming":  report.Warming,
		"watching": report.Watching,
	})
	return report, nil
}

// buildJobs assembles the scan set for the day: every active ticker
// (filter-exempt) plus, on weekdays, the day's batch. A hot or warming
// ticker that also sits in today's batch stays exempt.
func (s *Scheduler) buildJobs(tiers *Tiers, day time.Weekday) []Job {
	var jobs []Job
	queued := make(map[string]bool)
	for _, e := range tiers.Active() {
		sector := e.Sector
		if sector == "" {
			sector = s.uni.Sector(e.Ticker)
		}
		jobs = append(jobs, Job{Ticker: e.Ticker, Sector: sector, Exempt: true})
		queued[e.Ticker] = true
	}
	for _, t := range s.uni.Batch(day) {
		if queued[t] {
			continue
		}
		jobs = append(jobs, Job{Ticker: t, Sector: s.uni.Sector(t), Exempt: false})
		queued[t] = true
	}
	return jobs
}

// recordTransitions compares tier membership before and after the pass.
// A tracked ticker that re-scored below the watching floor counts as a
// demotion to none; expired entries already logged their own event.
func (s *Scheduler) recordTransitions(prev map[string]Tier, next *Tiers, expired []string, report *Report) {
	current := make(map[string]bool)
	for _, e := range next.All() {
		current[e.Ticker] = true
		from, tracked := prev[e.Ticker]
		if !tracked || from == e.Tier {
			continue
		}
		kv := map[string]any{
			"ticker": e.Ticker,
			"from":   string(from),
			"to":     string(e.Tier),
			"score":  e.Score.Composite,
		}
		if tierRank(e.Tier) > tierRank(from) {
			report.Promoted++
			observ.Log("tier_promoted", kv)
			observ.IncCounter("tier_promotions", map[string]string{"to": string(e.Tier)})
		} else {
			report.Demoted++
			observ.Log("tier_demoted", kv)
			observ.IncCounter("tier_demotions", map[string]string{"to": string(e.Tier)})
		}
	}

	skip := make(map[string]bool, len(expired))
	for _, ticker := range expired {
		skip[ticker] = true
	}
	for ticker, from := range prev {
		if current[ticker] || skip[ticker] {
			continue
		}
		report.Demoted++
		observ.Log("tier_demoted", map[string]any{
			"ticker": ticker,
			"from":   string(from),
			"to":     string(TierNone),
		})
		observ.IncCounter("tier_demotions", map[string]string{"to": string(TierNone)})
	}
}

// updateProgress advances the weekly bookkeeping. Progress is
// best-effort: a failure here is logged but never fails a pass whose
// tier sets already saved.
func (s *Scheduler) updateProgress(started time.Time, day time.Weekday, scored int) {
	progress, err := s.store.LoadProgress()
	if err != nil {
		observ.LogError("scan_progress_load_failed", err, nil)
		progress = Progress{}
	}
	_, week := started.UTC().ISOWeek()
	if progress.WeekNumber != week {
		progress.WeekNumber = week
		progress.ScannedThisWeek = 0
	}
	progress.LastScan = started.UTC()
	progress.DayOfWeek = isoWeekday(day)
	progress.ScannedThisWeek += scored
	if err := s.store.SaveProgress(progress); err != nil {
		observ.LogError("scan_progress_save_failed", err, nil)
	}
}

func tierRank(t Tier) int {
	switch t {
	case TierHot:
		return 3
	case TierWarming:
		return 2
	case TierWatching:
		return 1
	default:
		return 0
	}
}

// isoWeekday maps Go's Sunday-first weekday to ISO 8601 (Monday=1,
// Sunday=7).
func isoWeekday(day time.Weekday) int {
	if day == time.Sunday {
		return 7
	}
	return int(day)
}
