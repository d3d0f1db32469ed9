package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caregohq/carego-sync/internal/config"
	"github.com/caregohq/carego-sync/internal/logging"
)

// Prober periodically hits a health endpoint and feeds the result into a
// Monitor. It is optional: apps that get reachability callbacks from the
// host platform push straight into the monitor instead.
type Prober struct {
	monitor     *Monitor
	url         string
	interval    time.Duration
	poorLatency time.Duration
	client      *http.Client

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewProber builds a prober from network settings. Returns nil when no
// probe URL is configured.
func NewProber(monitor *Monitor, cfg config.NetworkConfig) *Prober {
	if cfg.ProbeURL == "" {
		return nil
	}
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	poorLatency := cfg.PoorLatency
	if poorLatency <= 0 {
		poorLatency = 2 * time.Second
	}
	return &Prober{
		monitor:     monitor,
		url:         cfg.ProbeURL,
		interval:    interval,
		poorLatency: poorLatency,
		client:      &http.Client{Timeout: interval},
	}
}

// Start launches the probe loop. Safe to call on a nil prober.
func (p *Prober) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isRunning {
		return
	}
	p.isRunning = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.loop()

	logging.Info("network prober started",
		zap.String("url", p.url),
		zap.Duration("interval", p.interval))
}

// Stop halts the probe loop and waits for it to exit. Safe to call on a
// nil or stopped prober.
func (p *Prober) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Info("network prober stopped")
}

func (p *Prober) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probeOnce()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

// probeOnce performs a single health check and classifies the result:
// request failure means offline, latency above the threshold means poor.
func (p *Prober) probeOnce() {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodHead, p.url, nil)
	if err != nil {
		logging.Warn("probe request build failed", zap.Error(err))
		p.monitor.SetStatus(false, QualityUnknown)
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.monitor.SetStatus(false, QualityUnknown)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		p.monitor.SetStatus(false, QualityUnknown)
		return
	}
	if latency > p.poorLatency {
		p.monitor.SetStatus(true, QualityPoor)
		return
	}
	p.monitor.SetStatus(true, QualityGood)
}
