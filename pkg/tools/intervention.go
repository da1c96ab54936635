package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/cortex/pkg/utils"
)

// Intervention statuses.
const (
	InterventionPending  = "pending"
	InterventionApproved = "approved"
	InterventionDenied   = "denied"
)

// queueFile is the on-disk queue operators can edit directly.
const queueFile = "captcha_queue.json"

// pollInterval is how often the broker re-reads the queue file while a
// request waits; file edits are the out-of-band approval channel.
const pollInterval = 2 * time.Second

// InterventionRequest is one pending human approval.
type InterventionRequest struct {
	ID          string                 `json:"id"`
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Status      string                 `json:"status"`
	RequestedAt time.Time              `json:"requested_at"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
}

// Broker queues approval requests and waits for resolution. Resolution
// arrives either in-process (Resolve, wired to an HTTP endpoint) or by
// an operator editing the queue file; the broker polls the file while
// waiting.
type Broker struct {
	dir     string
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan bool
}

// NewBroker creates a broker persisting its queue under dir.
func NewBroker(dir string, timeout time.Duration) (*Broker, error) {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if _, err := utils.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Broker{
		dir:     dir,
		timeout: timeout,
		waiters: make(map[string]chan bool),
	}, nil
}

func (b *Broker) queuePath() string {
	return filepath.Join(b.dir, queueFile)
}

// Request queues an approval request and blocks until it is approved,
// denied, or the broker's timeout elapses (timeout counts as denial).
func (b *Broker) Request(ctx context.Context, tool string, args map[string]interface{}, reason string) (bool, error) {
	req := InterventionRequest{
		ID:          uuid.NewString(),
		Tool:        tool,
		Args:        args,
		Reason:      reason,
		Status:      InterventionPending,
		RequestedAt: time.Now().UTC(),
	}

	ch := make(chan bool, 1)
	b.mu.Lock()
	b.waiters[req.ID] = ch
	queue, err := b.readQueue()
	if err == nil {
		queue = append(queue, req)
		err = b.writeQueue(queue)
	}
	b.mu.Unlock()
	if err != nil {
		b.dropWaiter(req.ID)
		return false, fmt.Errorf("queue intervention: %w", err)
	}
	defer b.dropWaiter(req.ID)

	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			b.resolveLocked(req.ID, false)
			return false, ctx.Err()
		case approved := <-ch:
			return approved, nil
		case <-deadline.C:
			b.resolveLocked(req.ID, false)
			return false, nil
		case <-poll.C:
			if status, ok := b.fileStatus(req.ID); ok && status != InterventionPending {
				return status == InterventionApproved, nil
			}
		}
	}
}

// Resolve marks a pending request approved or denied and wakes its
// waiter.
func (b *Broker) Resolve(id string, approved bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.resolveInFile(id, approved); err != nil {
		return err
	}
	if ch, ok := b.waiters[id]; ok {
		select {
		case ch <- approved:
		default:
		}
	}
	return nil
}

// Pending lists unresolved requests.
func (b *Broker) Pending() ([]InterventionRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, err := b.readQueue()
	if err != nil {
		return nil, err
	}
	var pending []InterventionRequest
	for _, req := range queue {
		if req.Status == InterventionPending {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

func (b *Broker) dropWaiter(id string) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}

// resolveLocked records a terminal status ignoring file errors; used on
// timeout and cancellation paths where the caller already has its answer.
func (b *Broker) resolveLocked(id string, approved bool) {
	b.mu.Lock()
	_ = b.resolveInFile(id, approved)
	b.mu.Unlock()
}

// resolveInFile is called with b.mu held.
func (b *Broker) resolveInFile(id string, approved bool) error {
	queue, err := b.readQueue()
	if err != nil {
		return err
	}
	for i := range queue {
		if queue[i].ID != id {
			continue
		}
		if queue[i].Status != InterventionPending {
			return nil
		}
		now := time.Now().UTC()
		queue[i].ResolvedAt = &now
		if approved {
			queue[i].Status = InterventionApproved
		} else {
			queue[i].Status = InterventionDenied
		}
		return b.writeQueue(queue)
	}
	return fmt.Errorf("intervention not found: %s", id)
}

// fileStatus reads one request's status from the queue file.
func (b *Broker) fileStatus(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue, err := b.readQueue()
	if err != nil {
		return "", false
	}
	for _, req := range queue {
		if req.ID == id {
			return req.Status, true
		}
	}
	return "", false
}

// readQueue is called with b.mu held.
func (b *Broker) readQueue() ([]InterventionRequest, error) {
	data, err := os.ReadFile(b.queuePath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var queue []InterventionRequest
	if err := json.Unmarshal(data, &queue); err != nil {
		// A hand-edited broken queue should not wedge approvals.
		return nil, nil
	}
	return queue, nil
}

// writeQueue is called with b.mu held.
func (b *Broker) writeQueue(queue []InterventionRequest) error {
	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(b.queuePath(), data, 0644)
}
