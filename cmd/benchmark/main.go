package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	owners      int
	firstOwner  int64
	replayRate  float64
	jwtSecret   string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Created
	replay409     uint64 // Idempotent replays
	fail422       uint64 // Insufficient funds or key mismatch
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&owners, "owners", 1000, "Number of seeded wallet owners")
	flag.Int64Var(&firstOwner, "first-owner", 1, "Owner id of the first seeded wallet")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of requests that reuse the previous idempotency key")
}

type participant struct {
	token  string
	number string
}

func main() {
	flag.Parse()
	jwtSecret = os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	client := &http.Client{Timeout: 5 * time.Second}
	parts, err := loadParticipants(client)
	if err != nil {
		log.Fatal(err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, parts)
	}
	wg.Wait()
	printResults(time.Since(start))
}

// loadParticipants mints a token per seeded owner and looks up its wallet number.
func loadParticipants(client *http.Client) ([]participant, error) {
	parts := make([]participant, 0, owners)
	for i := 0; i < owners; i++ {
		owner := firstOwner + int64(i)
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":   owner,
			"email": fmt.Sprintf("bench-%d@example.com", owner),
			"exp":   time.Now().Add(duration + time.Hour).Unix(),
		}).SignedString([]byte(jwtSecret))
		if err != nil {
			return nil, err
		}

		req, _ := http.NewRequest(http.MethodGet, targetURL+"/api/v1/wallet", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		var w struct {
			Number string `json:"wallet_number"`
		}
		err = json.NewDecoder(resp.Body).Decode(&w)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || err != nil {
			return nil, fmt.Errorf("owner %d has no wallet (status %d), run the seeder first", owner, resp.StatusCode)
		}
		parts = append(parts, participant{token: tok, number: w.Number})
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("need at least two wallets, have %d", len(parts))
	}
	return parts, nil
}

func worker(wg *sync.WaitGroup, start time.Time, parts []participant) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	lastKey := ""

	for time.Since(start) < duration {
		from, to := pickWallets(len(parts))

		key := fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano())
		if lastKey != "" && rand.Float64() < replayRate {
			// Same key, same sender: exercises the replay path.
			key = lastKey
		}

		payload := map[string]interface{}{
			"recipient_wallet_number": parts[to].number,
			"amount":                  "1.00",
			"description":             "benchmark",
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/wallet/transfer", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+parts[from].token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
			lastKey = key
		case http.StatusConflict:
			atomic.AddUint64(&replay409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickWallets(n int) (int, int) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic moves between the first two wallets
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 0, 1
			}
			return 1, 0
		}
	}

	// Uniform Random
	a := rand.Intn(n)
	b := rand.Intn(n)
	for a == b {
		b = rand.Intn(n)
	}
	return a, b
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	r409 := atomic.LoadUint64(&replay409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var replayPct float64
	if total > 0 {
		replayPct = float64(r409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"success_created": s201,
		"replay_conflict": r409,
		"replay_rate_pct": replayPct,
		"rejected":        f422,
		"errors":          fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
