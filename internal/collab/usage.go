package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/GoatGit/semibot-sub004/internal/logging"
)

// UsageRecord is one usage/audit entry reported by a VM.
type UsageRecord struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// UsageQueue buffers usage records locally and flushes them to the billing
// endpoint in batches. Enqueue never blocks the transport: when the queue
// is full the oldest record is dropped, which loses an audit entry rather
// than stalling session traffic.
type UsageQueue struct {
	endpoint string
	client   *http.Client
	interval time.Duration

	mu      sync.Mutex
	records []UsageRecord
	cap     int

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewUsageQueue(endpoint string, capacity int, interval time.Duration) *UsageQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &UsageQueue{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		interval: interval,
		cap:      capacity,
		stop:     make(chan struct{}),
	}
}

// Enqueue appends a record, dropping the oldest when full.
func (q *UsageQueue) Enqueue(r UsageRecord) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	q.mu.Lock()
	if len(q.records) >= q.cap {
		q.records = q.records[1:]
		logging.Warnf("usage queue full, dropped oldest record")
	}
	q.records = append(q.records, r)
	q.mu.Unlock()
}

// Len reports the number of buffered records.
func (q *UsageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Start launches the periodic flusher.
func (q *UsageQueue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Flush(context.Background())
			case <-q.stop:
				q.Flush(context.Background())
				return
			}
		}
	}()
}

// Stop flushes once more and halts the flusher.
func (q *UsageQueue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

// Flush posts all buffered records, retrying transient failures with
// exponential backoff. Records go back to the front of the queue on
// failure so nothing is silently lost short of queue overflow.
func (q *UsageQueue) Flush(ctx context.Context) {
	if q.endpoint == "" {
		return
	}

	q.mu.Lock()
	batch := q.records
	q.records = nil
	q.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	err := backoff.Retry(func() error { return q.post(ctx, batch) }, policy)
	if err != nil {
		logging.Warnf("usage flush failed, requeueing %d records: %v", len(batch), err)
		q.mu.Lock()
		q.records = append(batch, q.records...)
		if excess := len(q.records) - q.cap; excess > 0 {
			q.records = q.records[excess:]
		}
		q.mu.Unlock()
	}
}

func (q *UsageQueue) post(ctx context.Context, batch []UsageRecord) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("usage endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("usage endpoint rejected batch: %d", resp.StatusCode))
	}
	return nil
}
