package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample holds resource usage of one supervised child.
type Sample struct {
	PID        int32     `json:"pid"`
	Service    string    `json:"service"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChildConfig holds configuration for child resource sampling.
type ChildConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ChildCollector periodically samples CPU and memory of supervised children.
type ChildCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	last   map[string]Sample
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewChildCollector creates a collector; a zero interval samples every 5s.
func NewChildCollector(cfg ChildConfig) *ChildCollector {
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rcvisor",
			Subsystem: "child",
			Name:      name,
			Help:      help,
		}, []string{"service"})
	}
	return &ChildCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		last:       make(map[string]Sample),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the supervised child."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident set size of the supervised child."),
		numThreads: gauge("num_threads", "Number of threads of the supervised child."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the supervised child."),
	}
}

// RegisterMetrics registers the child gauges with r.
func (c *ChildCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, g := range []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads, c.numFDs} {
		if err := r.Register(g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the children reported by pids until ctx ends or Stop is called.
func (c *ChildCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

// Stop ends sampling and waits for the sampler to exit.
func (c *ChildCollector) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample per child and drops services no longer present.
func (c *ChildCollector) Collect(pids map[string]int32) {
	now := time.Now()
	fresh := make(map[string]Sample, len(pids))
	for svc, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := sample(svc, pid, now)
		if err != nil {
			slog.Debug("child sample failed", "service", svc, "pid", pid, "error", err)
			continue
		}
		fresh[svc] = s
		c.cpuPercent.WithLabelValues(svc).Set(s.CPUPercent)
		c.memoryRSS.WithLabelValues(svc).Set(float64(s.MemoryRSS))
		c.numThreads.WithLabelValues(svc).Set(float64(s.NumThreads))
		c.numFDs.WithLabelValues(svc).Set(float64(s.NumFDs))
	}
	c.mu.Lock()
	for svc := range c.last {
		if _, ok := fresh[svc]; !ok {
			c.cpuPercent.DeleteLabelValues(svc)
			c.memoryRSS.DeleteLabelValues(svc)
			c.numThreads.DeleteLabelValues(svc)
			c.numFDs.DeleteLabelValues(svc)
		}
	}
	c.last = fresh
	c.mu.Unlock()
}

// Last returns the most recent sample of service.
func (c *ChildCollector) Last(service string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.last[service]
	return s, ok
}

func sample(service string, pid int32, ts time.Time) (Sample, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return Sample{}, fmt.Errorf("process handle: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("memory info: %w", err)
	}
	s := Sample{PID: pid, Service: service, MemoryRSS: mem.RSS, Timestamp: ts}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if n, err := p.NumFDs(); err == nil {
		s.NumFDs = n
	}
	return s, nil
}
