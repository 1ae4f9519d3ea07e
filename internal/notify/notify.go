// Package notify delivers best-effort webhook notifications. Delivery runs
// on a background worker behind a bounded queue; a full queue drops the
// notification rather than ever blocking a caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/tiresense/tiresense/internal/domain"
)

// Message is the webhook payload.
type Message struct {
	Severity string    `json:"severity"`
	Subject  string    `json:"subject"`
	Summary  string    `json:"summary"`
	Details  string    `json:"details,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Config tunes the notifier.
type Config struct {
	WebhookURL string
	QueueSize  int
	Timeout    time.Duration
}

// DefaultConfig returns production defaults; an empty WebhookURL makes the
// notifier a silent no-op.
func DefaultConfig() Config {
	return Config{QueueSize: 128, Timeout: 5 * time.Second}
}

// Notifier implements domain.Notifier over a webhook.
type Notifier struct {
	cfg    Config
	client *http.Client
	queue  chan Message
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// New starts the delivery worker. client may be nil.
func New(cfg Config, client *http.Client) *Notifier {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	n := &Notifier{
		cfg:    cfg,
		client: client,
		queue:  make(chan Message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	n.wg.Add(1)
	go n.deliverLoop()
	return n
}

// Notify implements domain.Notifier. Never blocks; a full queue counts a
// drop.
func (n *Notifier) Notify(sev domain.Severity, subject, summary, details string) {
	msg := Message{
		Severity: sev.String(),
		Subject:  subject,
		Summary:  summary,
		Details:  details,
		SentAt:   time.Now().UTC(),
	}
	select {
	case n.queue <- msg:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
	}
}

// Dropped reports how many notifications were shed under pressure.
func (n *Notifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close drains queued notifications and stops the worker.
func (n *Notifier) Close() {
	close(n.done)
	n.wg.Wait()
}

func (n *Notifier) deliverLoop() {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.queue:
			n.deliver(msg)
		case <-n.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case msg := <-n.queue:
					n.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(msg Message) {
	if n.cfg.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[notify] marshal: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("[notify] build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[notify] deliver %s/%s: %v", msg.Severity, msg.Subject, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[notify] deliver %s/%s: status %d", msg.Severity, msg.Subject, resp.StatusCode)
	}
}
