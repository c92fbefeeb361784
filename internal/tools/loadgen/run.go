package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lmst/attendance-admin-client/internal/gateway"
)

// Target is the authorized request surface traffic is sent through.
type Target interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
	PostJSON(ctx context.Context, path string, in, out any) error
}

type Config struct {
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        int64
}

type Result struct {
	TotalRequests int
	Failures      int
	ByOperation   map[string]int
	ByStatusClass map[string]int
	Elapsed       time.Duration
}

type operation struct {
	name   string
	weight int
	run    func(ctx context.Context, t Target) error
}

var operations = map[string]operation{
	"feed": {name: "feed", weight: 6, run: func(ctx context.Context, t Target) error {
		return t.GetJSON(ctx, "/notifications", url.Values{"per_page": {"25"}}, nil)
	}},
	"auth": {name: "auth", weight: 2, run: func(ctx context.Context, t Target) error {
		return t.GetJSON(ctx, "/me", nil, nil)
	}},
	"read": {name: "read", weight: 2, run: func(ctx context.Context, t Target) error {
		return t.PostJSON(ctx, "/notifications/mark-all-read", nil, nil)
	}},
}

// Run drives t at roughly cfg.RPS for cfg.Duration and tallies outcomes.
func Run(ctx context.Context, t Target, cfg Config) (Result, error) {
	cfg.Profile = normalizeProfile(cfg.Profile)
	ops, err := profileOperations(cfg.Profile)
	if err != nil {
		return Result{}, err
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	// runCtx bounds dispatch only; requests already handed to a worker
	// finish under ctx.
	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	jobs := make(chan operation)
	res := Result{ByOperation: map[string]int{}, ByStatusClass: map[string]int{}}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range jobs {
				class := classifyStatusClass(statusOf(op.run(ctx, t)))
				mu.Lock()
				res.TotalRequests++
				res.ByOperation[op.name]++
				res.ByStatusClass[class]++
				if class != "2xx" {
					res.Failures++
				}
				mu.Unlock()
			}
		}()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
	defer ticker.Stop()
	started := time.Now()
dispatch:
	for {
		select {
		case <-runCtx.Done():
			break dispatch
		case <-ticker.C:
			if runCtx.Err() != nil {
				break dispatch
			}
			select {
			case jobs <- pick(rng, ops):
			case <-runCtx.Done():
				break dispatch
			}
		}
	}
	close(jobs)
	wg.Wait()
	res.Elapsed = time.Since(started)
	if errors.Is(ctx.Err(), context.Canceled) {
		return res, ctx.Err()
	}
	return res, nil
}

func profileOperations(profile string) ([]operation, error) {
	switch profile {
	case "mixed":
		return []operation{operations["feed"], operations["auth"], operations["read"]}, nil
	case "feed", "auth", "read":
		return []operation{operations[profile]}, nil
	default:
		return nil, fmt.Errorf("unknown load profile %q", profile)
	}
}

func pick(rng *rand.Rand, ops []operation) operation {
	total := 0
	for _, op := range ops {
		total += op.weight
	}
	n := rng.Intn(total)
	for _, op := range ops {
		if n < op.weight {
			return op
		}
		n -= op.weight
	}
	return ops[len(ops)-1]
}

// statusOf maps a call outcome to an HTTP status; 0 means no response.
func statusOf(err error) int {
	if err == nil {
		return 200
	}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode
	}
	return 0
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(profile string) string {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if profile == "" {
		return "mixed"
	}
	return profile
}
