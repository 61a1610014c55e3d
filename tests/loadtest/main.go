// Command loadtest drives a capture service with a sustained stream of
// POST /capture requests and reports throughput, latency, and cache hit
// behavior. URLs are read from a plain text file, one per line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

type Config struct {
	URLsFile    string
	Target      string
	Concurrency int
	Duration    time.Duration
	Timeout     time.Duration
	FullPage    bool
}

func main() {
	urlsFile := flag.String("urls", "", "Path to file with one URL per line (required)")
	target := flag.String("target", "http://localhost:8090", "Capture service base URL")
	concurrency := flag.Int("concurrency", 4, "Number of concurrent capture workers")
	duration := flag.Duration("duration", 0, "Test duration (0 = until Ctrl+C)")
	timeout := flag.Duration("timeout", 90*time.Second, "Per-request timeout")
	fullPage := flag.Bool("full-page", false, "Request full-page screenshots")
	flag.Parse()

	config, err := validateParameters(*urlsFile, *target, *concurrency, *duration, *timeout, *fullPage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	urls, err := loadURLs(config.URLsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading URLs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Capture load test\n")
	fmt.Printf("  target:      %s\n", config.Target)
	fmt.Printf("  urls:        %d\n", len(urls))
	fmt.Printf("  concurrency: %d\n", config.Concurrency)
	if config.Duration > 0 {
		fmt.Printf("  duration:    %s\n", config.Duration)
	} else {
		fmt.Printf("  duration:    until Ctrl+C\n")
	}
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if config.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, config.Duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutdown signal received, draining workers...")
		cancel()
	}()

	stats := NewStats()
	requester := NewRequester(config)

	var wg sync.WaitGroup
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			worker(ctx, requester, urls, stats, seed)
		}(int64(i))
	}

	go reportLoop(ctx, stats)

	wg.Wait()
	stats.PrintFinal()
}

func worker(ctx context.Context, requester *Requester, urls []string, stats *Stats, seed int64) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ seed))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		url := urls[rng.Intn(len(urls))]
		stats.Record(requester.Capture(ctx, url))
	}
}

func reportLoop(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats.PrintProgress()
		}
	}
}

func loadURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no URLs found in %s", path)
	}
	return urls, nil
}

func validateParameters(urlsFile, target string, concurrency int, duration, timeout time.Duration, fullPage bool) (*Config, error) {
	if urlsFile == "" {
		return nil, fmt.Errorf("missing required parameter: -urls")
	}
	if _, err := os.Stat(urlsFile); err != nil {
		return nil, fmt.Errorf("urls file: %w", err)
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return nil, fmt.Errorf("target must be an http(s) URL: %s", target)
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be greater than 0")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be greater than 0")
	}

	return &Config{
		URLsFile:    urlsFile,
		Target:      strings.TrimRight(target, "/"),
		Concurrency: concurrency,
		Duration:    duration,
		Timeout:     timeout,
		FullPage:    fullPage,
	}, nil
}
