package fingerprint

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Source returns one host factor. An error makes the collector fall back
// to a fixed placeholder for that factor.
type Source struct {
	Name  string
	Value func() (string, error)
}

// Collector derives the fingerprint of the current host from a list of
// sources and caches it for a while.
type Collector struct {
	sources []Source
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	cached    ID
	expiresAt time.Time
}

// NewCollector creates a collector. With no sources it uses DefaultSources.
func NewCollector(logger *slog.Logger, ttl time.Duration, sources ...Source) *Collector {
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		sources: sources,
		ttl:     ttl,
		logger:  logger.With(slog.String("component", "fingerprint_collector")),
		now:     time.Now,
	}
}

// DefaultSources reads the primary MAC address, hostname, CPU identifier,
// OS and architecture.
func DefaultSources() []Source {
	return []Source{
		{Name: "mac_address", Value: primaryMAC},
		{Name: "hostname", Value: hostname},
		{Name: "cpu_id", Value: cpuID},
		{Name: "os", Value: func() (string, error) { return runtime.GOOS, nil }},
		{Name: "arch", Value: func() (string, error) { return runtime.GOARCH, nil }},
	}
}

// Fingerprint returns the canonical ID of this host.
func (c *Collector) Fingerprint() ID {
	c.mu.RLock()
	if c.cached != "" && c.now().Before(c.expiresAt) {
		id := c.cached
		c.mu.RUnlock()
		return id
	}
	c.mu.RUnlock()

	factors := make([]string, 0, len(c.sources))
	for _, src := range c.sources {
		v, err := src.Value()
		if err != nil || v == "" {
			c.logger.Warn("fingerprint factor unavailable, using placeholder",
				slog.String("factor", src.Name),
				slog.Any("error", err))
			v = "unknown-" + src.Name
		}
		factors = append(factors, v)
	}
	id := Normalize([]byte(strings.Join(factors, "|")))

	c.mu.Lock()
	c.cached = id
	c.expiresAt = c.now().Add(c.ttl)
	c.mu.Unlock()

	c.logger.Debug("host fingerprint derived",
		slog.String("fingerprint_id", id.String()),
		slog.Int("factors", len(factors)))
	return id
}

func primaryMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// Prefer an up, non-loopback interface; fall back to any hardware address.
	var fallback string
	for _, iface := range interfaces {
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		if iface.Flags&net.FlagLoopback == 0 && iface.Flags&net.FlagUp != 0 {
			return mac, nil
		}
		if fallback == "" {
			fallback = mac
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no valid MAC address found")
}

func hostname() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(name)), nil
}

func cpuID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if id := os.Getenv("PROCESSOR_IDENTIFIER"); id != "" {
			return id, nil
		}
	case "linux":
		data, err := os.ReadFile("/proc/cpuinfo")
		if err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					return strings.TrimSpace(line), nil
				}
			}
		}
	}
	return runtime.GOOS + "-" + runtime.GOARCH, nil
}
