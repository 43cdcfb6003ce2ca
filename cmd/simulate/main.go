package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/scheduling/internal/db"
)

// simulate drives concurrent booking traffic against a running
// api-server and reports success/conflict/latency stats. Pointing many
// workers at few providers makes the single-winner property observable:
// every overlapping proposal but one must come back slot_conflict.

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	ProviderLimit int
	PatientLimit  int
	ConfirmRatio  float64
	PostgresDSN   string
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_URL", "http://127.0.0.1:8080"),
		Duration:      getDurationEnv("SIM_DURATION", 30*time.Second),
		Workers:       getIntEnv("SIM_WORKERS", 16),
		ProviderLimit: getIntEnv("SIM_PROVIDERS", 5),
		PatientLimit:  getIntEnv("SIM_PATIENTS", 200),
		ConfirmRatio:  0.5,
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, p50, p95
}

type Metrics struct {
	Book    OperationMetrics
	Confirm OperationMetrics
	Avail   OperationMetrics
}

type heldBooking struct {
	ID      uuid.UUID
	Version int64
}

type Simulator struct {
	cfg       SimConfig
	client    *http.Client
	metrics   Metrics
	providers []uuid.UUID
	patients  []uuid.UUID

	mu   sync.Mutex
	held []heldBooking
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if cfg.PostgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required to load provider/patient IDs")
	}

	sim := &Simulator{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	if err := sim.loadIDs(context.Background()); err != nil {
		log.Fatalf("load ids: %v", err)
	}
	log.Printf("loaded %d providers and %d patients", len(sim.providers), len(sim.patients))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			sim.run(ctx, worker)
		}(i)
	}
	wg.Wait()

	sim.report()
}

func (s *Simulator) loadIDs(ctx context.Context) error {
	pool, err := db.ConnectPostgres(ctx, s.cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `SELECT id FROM providers LIMIT $1`, s.cfg.ProviderLimit)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		s.providers = append(s.providers, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, s.cfg.PatientLimit)
	if err != nil {
		return err
	}
	defer prows.Close()
	for prows.Next() {
		var id uuid.UUID
		if err := prows.Scan(&id); err != nil {
			return err
		}
		s.patients = append(s.patients, id)
	}
	if err := prows.Err(); err != nil {
		return err
	}

	if len(s.providers) == 0 || len(s.patients) == 0 {
		return fmt.Errorf("no providers or patients found, run cmd/seed first")
	}
	return nil
}

type slotDTO struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type dayDTO struct {
	Date string    `json:"date"`
	Open []slotDTO `json:"open"`
}

type reservationDTO struct {
	ID      uuid.UUID `json:"id"`
	Status  string    `json:"status"`
	Version int64     `json:"version"`
}

func (s *Simulator) run(ctx context.Context, worker int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))

	for ctx.Err() == nil {
		provider := s.providers[rng.Intn(len(s.providers))]
		patient := s.patients[rng.Intn(len(s.patients))]

		slots, ok := s.fetchAvailability(ctx, provider)
		if !ok || len(slots) == 0 {
			continue
		}

		// Everyone aims near the front of the open list so proposals
		// collide on purpose.
		slot := slots[rng.Intn(min(3, len(slots)))]
		if res, ok := s.propose(ctx, provider, patient, slot); ok {
			if rng.Float64() < s.cfg.ConfirmRatio {
				s.confirm(ctx, res)
			} else {
				s.mu.Lock()
				s.held = append(s.held, res)
				s.mu.Unlock()
			}
		}
	}
}

func (s *Simulator) fetchAvailability(ctx context.Context, provider uuid.UUID) ([]slotDTO, bool) {
	day := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	url := fmt.Sprintf("%s/providers/%s/availability?from=%s&to=%s", s.cfg.APIBaseURL, provider, day, day)

	start := time.Now()
	body, status, err := s.do(ctx, http.MethodGet, url, nil)
	s.metrics.Avail.Record(time.Since(start), err == nil && status == http.StatusOK, false)
	if err != nil || status != http.StatusOK {
		return nil, false
	}

	var days []dayDTO
	if err := json.Unmarshal(body, &days); err != nil || len(days) == 0 {
		return nil, false
	}
	return days[0].Open, true
}

func (s *Simulator) propose(ctx context.Context, provider, patient uuid.UUID, slot slotDTO) (heldBooking, bool) {
	payload, _ := json.Marshal(map[string]any{
		"provider_id": provider.String(),
		"patient_id":  patient.String(),
		"start_time":  slot.Start,
		"end_time":    slot.End,
	})

	start := time.Now()
	body, status, err := s.do(ctx, http.MethodPost, s.cfg.APIBaseURL+"/bookings", payload)
	success := err == nil && status == http.StatusCreated
	conflict := err == nil && status == http.StatusConflict
	s.metrics.Book.Record(time.Since(start), success, conflict)

	if !success {
		return heldBooking{}, false
	}

	var res reservationDTO
	if err := json.Unmarshal(body, &res); err != nil {
		return heldBooking{}, false
	}
	return heldBooking{ID: res.ID, Version: res.Version}, true
}

func (s *Simulator) confirm(ctx context.Context, hb heldBooking) {
	payload, _ := json.Marshal(map[string]any{"expected_version": hb.Version})
	url := fmt.Sprintf("%s/bookings/%s/confirm", s.cfg.APIBaseURL, hb.ID)

	start := time.Now()
	_, status, err := s.do(ctx, http.MethodPost, url, payload)
	success := err == nil && status == http.StatusOK
	conflict := err == nil && status == http.StatusConflict
	s.metrics.Confirm.Record(time.Since(start), success, conflict)
}

func (s *Simulator) do(ctx context.Context, method, url string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func (s *Simulator) report() {
	s.mu.Lock()
	abandoned := len(s.held)
	s.mu.Unlock()

	log.Printf("abandoned holds left for the sweep: %d", abandoned)
	printOp("availability", &s.metrics.Avail)
	printOp("book", &s.metrics.Book)
	printOp("confirm", &s.metrics.Confirm)
}

func printOp(name string, om *OperationMetrics) {
	avg, p50, p95 := om.Stats()
	log.Printf("%-12s total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s",
		name,
		atomic.LoadInt64(&om.Total),
		atomic.LoadInt64(&om.Success),
		atomic.LoadInt64(&om.Conflict),
		atomic.LoadInt64(&om.Error),
		avg, p50, p95,
	)
}
