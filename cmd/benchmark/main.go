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
)

// Benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	settled200    uint64 // SUCCESS (fresh or replayed)
	accepted202   uint64 // PENDING settlements
	declined402   uint64 // Gateway declines
	conflict409   uint64 // In-flight duplicates
	failOther     uint64
)

var methods = []string{"CARD", "UPI", "WALLET", "CASH", "NETBANKING"}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8082", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		tripID := int64(rand.Intn(100000) + 1)
		key := generateKey(tripID)

		payload := map[string]interface{}{
			"trip_id": tripID,
			"method":  methods[rand.Intn(len(methods))],
			"amount":  float64(rand.Intn(50000)) / 100,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/v1/payments", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 200:
			atomic.AddUint64(&settled200, 1)
		case 202:
			atomic.AddUint64(&accepted202, 1)
		case 402:
			atomic.AddUint64(&declined402, 1)
		case 409:
			atomic.AddUint64(&conflict409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// generateKey picks the idempotency key. Uniform traffic sends unique keys
// for pure throughput; hotspot traffic reuses a small key set so most
// requests hit the replay or conflict path.
func generateKey(tripID int64) string {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return fmt.Sprintf("bench-hot-%d", rand.Intn(16))
	}
	return fmt.Sprintf("bench-%d-%d", tripID, time.Now().UnixNano())
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s200 := atomic.LoadUint64(&settled200)
	s202 := atomic.LoadUint64(&accepted202)
	d402 := atomic.LoadUint64(&declined402)
	c409 := atomic.LoadUint64(&conflict409)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := 0.0
	if total > 0 {
		conflictRate = float64(c409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"settled":           s200,
		"pending":           s202,
		"declined":          d402,
		"conflicts":         c409,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
