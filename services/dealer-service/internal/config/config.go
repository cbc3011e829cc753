package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	shared "github.com/baechuer/dealer-pipeline/internal/config"
)

const ServiceName = "dealer-service"

type Config struct {
	shared.Common

	DatabaseURL string
	Queue       string

	// StaffRoster maps a dealer id to the staff handles assigned round-robin.
	StaffRoster map[int64][]string

	OutboxInterval time.Duration
	OutboxBatch    int
}

func Load() (*Config, error) {
	shared.LoadDotEnv()

	common, err := shared.LoadCommon(ServiceName, ":8081")
	if err != nil {
		return nil, err
	}
	dsn, err := shared.RequireDatabaseURL()
	if err != nil {
		return nil, err
	}
	roster, err := ParseRoster(shared.GetEnv("DEALER_STAFF", ""))
	if err != nil {
		return nil, err
	}

	return &Config{
		Common:         common,
		DatabaseURL:    dsn,
		Queue:          shared.GetEnv("DEALER_QUEUE", "dealer-service.reservation-created"),
		StaffRoster:    roster,
		OutboxInterval: shared.GetDuration("OUTBOX_INTERVAL", 500*time.Millisecond),
		OutboxBatch:    shared.GetInt("OUTBOX_BATCH", 20),
	}, nil
}

// ParseRoster reads "7=alice|bob,8=carol".
func ParseRoster(s string) (map[int64][]string, error) {
	out := map[int64][]string{}
	for _, entry := range shared.SplitCSV(s) {
		id, names, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("bad DEALER_STAFF entry %q: want <dealerId>=<a|b>", entry)
		}
		dealerID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || dealerID <= 0 {
			return nil, fmt.Errorf("bad DEALER_STAFF dealer id %q", id)
		}
		for _, n := range strings.Split(names, "|") {
			if n = strings.TrimSpace(n); n != "" {
				out[dealerID] = append(out[dealerID], n)
			}
		}
	}
	return out, nil
}
