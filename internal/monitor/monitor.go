// Package monitor watches AI chat tabs over the Chrome DevTools Protocol
// and publishes a completion event when a tab stops generating.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HendryAvila/iterate/internal/events"
)

const (
	DefaultPollInterval = time.Second
	evalTimeout         = 3 * time.Second
)

var timeNow = time.Now

// Config configures a Monitor.
type Config struct {
	PollInterval time.Duration
	// Sites defaults to the built-in table.
	Sites []Site
}

type tracked struct {
	id            string
	page          Page
	detector      Detector
	state         PageState
	wasGenerating bool
}

// Monitor polls matching tabs and detects finished generations.
type Monitor struct {
	cfg     Config
	browser Browser
	bus     *events.CompletionBus
	logger  *zap.Logger

	mu      sync.Mutex
	pages   map[string]*tracked
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a monitor. Nothing is contacted until Start.
func New(cfg Config, browser Browser, bus *events.CompletionBus, logger *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if len(cfg.Sites) == 0 {
		cfg.Sites = Sites()
	}
	if bus == nil {
		bus = events.NewCompletionBus()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		browser: browser,
		bus:     bus,
		logger:  logger.Named("monitor"),
		pages:   make(map[string]*tracked),
	}
}

func (m *Monitor) Bus() *events.CompletionBus { return m.bus }

// Start connects to the browser and launches the poll loop. It fails with
// ErrBrowserUnavailable when the debugging endpoint does not answer.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.browser.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(loopCtx, m.done)

	m.logger.Info("monitoring started", zap.Duration("interval", m.cfg.PollInterval))
	return nil
}

// Stop ends the poll loop after the current tick. Attached tabs stay open.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("monitoring stopped")
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// States returns a snapshot of every tracked tab, ordered by URL.
func (m *Monitor) States() []PageState {
	m.mu.Lock()
	out := make([]PageState, 0, len(m.pages))
	for _, p := range m.pages {
		out = append(out, p.state)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick refreshes the tab set and then checks every tracked tab once.
func (m *Monitor) tick(ctx context.Context) {
	m.refresh(ctx)
	m.check(ctx)
}

func (m *Monitor) refresh(ctx context.Context) {
	targets, err := m.browser.Pages(ctx)
	if err != nil {
		m.logger.Warn("listing tabs failed", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		site, ok := MatchSite(m.cfg.Sites, t.URL)
		if !ok {
			continue
		}
		seen[t.ID] = true

		m.mu.Lock()
		existing := m.pages[t.ID]
		if existing != nil {
			existing.state.URL = t.URL
		}
		m.mu.Unlock()
		if existing != nil {
			continue
		}

		page, err := m.browser.Attach(ctx, t)
		if err != nil {
			m.logger.Debug("attach failed", zap.String("url", t.URL), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.pages[t.ID] = &tracked{
			id:       t.ID,
			page:     page,
			detector: NewDetector(site),
			state: PageState{
				URL:       t.URL,
				Title:     t.Title,
				SiteName:  site.Name,
				Status:    StatusIdle,
				LastCheck: timeNow(),
			},
		}
		m.mu.Unlock()
		m.logger.Info("tracking tab", zap.String("site", site.Name), zap.String("url", t.URL))
	}

	m.mu.Lock()
	var gone []*tracked
	for id, p := range m.pages {
		if !seen[id] {
			gone = append(gone, p)
			delete(m.pages, id)
		}
	}
	m.mu.Unlock()
	for _, p := range gone {
		_ = p.page.Close()
		m.logger.Debug("tab gone", zap.String("url", p.state.URL))
	}
}

func (m *Monitor) check(ctx context.Context) {
	m.mu.Lock()
	pages := make([]*tracked, 0, len(m.pages))
	for _, p := range m.pages {
		pages = append(pages, p)
	}
	m.mu.Unlock()

	for _, p := range pages {
		m.checkPage(ctx, p)
	}
}

// detach forgets a tab whose connection failed; the next refresh attaches
// it again if it is still open.
func (m *Monitor) detach(p *tracked, err error) {
	m.mu.Lock()
	if m.pages[p.id] == p {
		delete(m.pages, p.id)
	}
	m.mu.Unlock()
	_ = p.page.Close()
	m.logger.Warn("tab connection lost, reattaching", zap.String("url", p.state.URL), zap.Error(err))
}

func (m *Monitor) checkPage(ctx context.Context, p *tracked) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	generating := false
	var evalErr string
	if err := p.page.Evaluate(ctx, p.detector.GeneratingScript(), &generating); err != nil {
		if errors.Is(err, ErrPageBroken) {
			m.detach(p, err)
			return
		}
		m.logger.Debug("detector script failed", zap.String("url", p.state.URL), zap.Error(err))
		generating = false
		evalErr = err.Error()
	}

	m.mu.Lock()
	state := p.state
	was := p.wasGenerating
	m.mu.Unlock()

	switch {
	case was && !generating:
		var preview string
		if err := p.page.Evaluate(ctx, p.detector.LastMessageScript(), &preview); err != nil {
			m.logger.Debug("last message script failed", zap.String("url", state.URL), zap.Error(err))
		}
		if title, err := p.page.Title(ctx); err == nil && title != "" {
			state.Title = title
		}
		state.Status = StatusCompleted

		ev := events.Completion{
			URL:            state.URL,
			Title:          state.Title,
			SiteName:       state.SiteName,
			MessagePreview: events.Preview(preview),
			Timestamp:      timeNow(),
		}
		m.bus.Publish(ev)
		m.logger.Info("completion detected", zap.String("site", ev.SiteName), zap.String("title", ev.Title))
	case generating:
		state.Status = StatusGenerating
	case evalErr != "":
		state.Status = StatusError
	default:
		state.Status = StatusIdle
	}
	state.Error = evalErr
	state.LastCheck = timeNow()

	m.mu.Lock()
	p.state = state
	p.wasGenerating = generating
	m.mu.Unlock()
}
