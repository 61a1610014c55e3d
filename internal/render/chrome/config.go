package chrome

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// Config holds Chrome engine settings
type Config struct {
	Headless      bool
	WarmupURL     string        // page loaded into each fresh context; empty disables warmup
	WarmupTimeout time.Duration // warmup navigation timeout
}

func DefaultConfig() *Config {
	return &Config{
		Headless:      true,
		WarmupURL:     "about:blank",
		WarmupTimeout: 10 * time.Second,
	}
}

func (c *Config) Validate() error {
	if c.WarmupURL != "" && c.WarmupTimeout <= 0 {
		return fmt.Errorf("warmup timeout must be positive when warmup is enabled")
	}
	return nil
}

// ResolveMaxContexts turns the max_contexts setting ("auto" or an integer
// string) into a concrete bound.
func ResolveMaxContexts(setting string) (int, error) {
	if setting == "auto" {
		return autoMaxContexts(), nil
	}
	n, err := strconv.Atoi(setting)
	if err != nil {
		return 0, fmt.Errorf("max contexts must be 'auto' or an integer, got %q", setting)
	}
	if n <= 0 {
		return 0, fmt.Errorf("max contexts must be positive, got %d", n)
	}
	return n, nil
}

// autoMaxContexts sizes the context bound from system RAM:
// (total - 2GB reserved) / 300MB per browser context, clamped to [2, 32]
func autoMaxContexts() int {
	v, err := mem.VirtualMemory()
	var totalBytes int64
	if err != nil {
		totalBytes = 8 << 30 // conservative fallback
	} else {
		totalBytes = int64(v.Total)
	}

	reservedBytes := int64(2) << 30
	contextBytes := int64(300) << 20

	n := int((totalBytes - reservedBytes) / contextBytes)
	if n < 2 {
		n = 2
	}
	if n > 32 {
		n = 32
	}
	return n
}
