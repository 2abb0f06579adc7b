package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/punchamoorthee/coinledger/internal/client"
	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds the benchmark settings
var (
	targetURL string
	transfers int
	racers    int
	workload  string
)

// Metrics
var (
	totalClaims uint64
	won         uint64 // 200: this racer moved the transfer to claimed
	lost        uint64 // 409: another racer got there first
	wrongUser   uint64 // 403: hotspot decoys
	failOther   uint64
	createFail  uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&transfers, "transfers", 200, "Number of transfers to race on")
	flag.IntVar(&racers, "racers", 8, "Concurrent claims per transfer")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Transfers: %d | Racers: %d", workload, transfers, racers)

	c := client.New(targetURL, 5*time.Second, zap.NewNop())
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < transfers; i++ {
		id := ulid.Make().String()
		recipient := fmt.Sprintf("bench-recipient-%d@upi", i)
		_, err := c.CreateTransfer(ctx, domain.SenderEntry{
			TransferID:  id,
			Amount:      decimal.NewFromInt(1),
			SenderID:    "bench-sender@upi",
			RecipientID: recipient,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			atomic.AddUint64(&createFail, 1)
			continue
		}

		wg.Add(racers)
		for r := 0; r < racers; r++ {
			go race(ctx, &wg, c, id, claimantFor(recipient, r))
		}
	}

	wg.Wait()
	printResults(time.Since(start))
}

// claimantFor returns the racer's identity. Under the hotspot workload every
// other racer claims as the wrong user.
func claimantFor(recipient string, racer int) string {
	if workload == "hotspot" && racer%2 == 1 {
		return fmt.Sprintf("bench-intruder-%d@upi", racer)
	}
	return recipient
}

func race(ctx context.Context, wg *sync.WaitGroup, c *client.Client, id, claimant string) {
	defer wg.Done()

	_, err := c.ClaimTransfer(ctx, id, claimant)
	atomic.AddUint64(&totalClaims, 1)
	switch {
	case err == nil:
		atomic.AddUint64(&won, 1)
	case errors.Is(err, domain.ErrAlreadyClaimed):
		atomic.AddUint64(&lost, 1)
	case errors.Is(err, domain.ErrNotIntendedRecipient):
		atomic.AddUint64(&wrongUser, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalClaims)
	w := atomic.LoadUint64(&won)
	l := atomic.LoadUint64(&lost)
	created := uint64(transfers) - atomic.LoadUint64(&createFail)

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"transfers_created": created,
		"total_claims":      total,
		"throughput_cps":    float64(total) / d.Seconds(),
		"claims_won":        w,
		"claims_lost":       l,
		"wrong_recipient":   atomic.LoadUint64(&wrongUser),
		"errors":            atomic.LoadUint64(&failOther),
		"create_errors":     atomic.LoadUint64(&createFail),
		// Exactly one winner per transfer is the invariant under test.
		"double_claims": int64(w) - int64(created),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
