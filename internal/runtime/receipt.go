package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// DeliveryStatus is the lifecycle state of a parcel's receipt.
type DeliveryStatus string

const (
	StatusDelivering DeliveryStatus = "DELIVERING"
	StatusDelivered  DeliveryStatus = "DELIVERED"
	StatusDead       DeliveryStatus = "DEAD"
)

// Reserved handstamp keys maintained by the receipt itself.
const (
	HandstampDeadReason   = "DEAD_REASON"
	HandstampAddressChain = "ADDRESS_CHAIN"
)

// DeliveryReceipt tracks the outcome of exactly one parcel. Status only ever
// leaves DELIVERING once; later transitions are logged and ignored.
type DeliveryReceipt struct {
	mu         sync.RWMutex
	status     DeliveryStatus
	deadReason string
	chain      []string
	handstamps map[string]any
	settledAt  time.Time
	done       chan struct{}
	// accepted is set once a courier takes the parcel in.
	accepted bool
}

func newDeliveryReceipt(chain []string) *DeliveryReceipt {
	r := &DeliveryReceipt{
		status: StatusDelivering,
		done:   make(chan struct{}),
	}
	if len(chain) > 0 {
		r.chain = append(make([]string, 0, len(chain)+2), chain...)
	}
	return r
}

// Status returns the current delivery status.
func (r *DeliveryReceipt) Status() DeliveryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// DeadReason is empty unless the receipt is DEAD.
func (r *DeliveryReceipt) DeadReason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deadReason
}

// AddressChain returns a copy of every hop recorded so far.
func (r *DeliveryReceipt) AddressChain() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.chain...)
}

// SettledAt is the zero time while the parcel is still DELIVERING.
func (r *DeliveryReceipt) SettledAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settledAt
}

// accept claims the receipt for one Submit. It reports false when the
// parcel was already accepted.
func (r *DeliveryReceipt) accept() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.accepted {
		return false
	}
	r.accepted = true
	return true
}

func (r *DeliveryReceipt) isAccepted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accepted
}

// AppendAddress records a hop. Entries are never replaced.
func (r *DeliveryReceipt) AppendAddress(entry string) {
	r.mu.Lock()
	r.chain = append(r.chain, entry)
	r.mu.Unlock()
}

// MarkDelivered moves the receipt to DELIVERED. It reports false, and never
// overrides the current state, when the receipt already settled.
func (r *DeliveryReceipt) MarkDelivered() bool {
	r.mu.Lock()
	if r.status != StatusDelivering {
		status, reason := r.status, r.deadReason
		r.mu.Unlock()
		slog.Warn("rejected delivered transition on settled receipt", "status", status, "dead_reason", reason)
		return false
	}
	r.settleLocked(StatusDelivered)
	r.mu.Unlock()
	return true
}

// MarkDead moves the receipt to DEAD and records reason. Only the first call
// has an effect.
func (r *DeliveryReceipt) MarkDead(reason string) bool {
	return r.markDead(reason, "")
}

// markDead optionally appends hop in the same critical section so waiters
// released by the transition observe the final chain.
func (r *DeliveryReceipt) markDead(reason, hop string) bool {
	r.mu.Lock()
	if r.status != StatusDelivering {
		status, prior := r.status, r.deadReason
		r.mu.Unlock()
		slog.Debug("ignored dead transition on settled receipt", "status", status, "dead_reason", prior, "rejected_reason", reason)
		return false
	}
	if hop != "" {
		r.chain = append(r.chain, hop)
	}
	r.deadReason = reason
	r.settleLocked(StatusDead)
	r.mu.Unlock()
	return true
}

func (r *DeliveryReceipt) settleLocked(status DeliveryStatus) {
	r.status = status
	r.settledAt = time.Now()
	close(r.done)
}

// SetHandstamp stores a free-form annotation. Reserved keys are rejected.
func (r *DeliveryReceipt) SetHandstamp(key string, value any) error {
	if key == HandstampDeadReason || key == HandstampAddressChain {
		return errspkg.ErrReservedHandstamp
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handstamps == nil {
		r.handstamps = make(map[string]any)
	}
	r.handstamps[key] = value
	return nil
}

// Handstamp returns one annotation, including the reserved ones.
func (r *DeliveryReceipt) Handstamp(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch key {
	case HandstampDeadReason:
		if r.status != StatusDead {
			return nil, false
		}
		return r.deadReason, true
	case HandstampAddressChain:
		return append([]string(nil), r.chain...), true
	}
	v, ok := r.handstamps[key]
	return v, ok
}

// Handstamps returns a snapshot of every annotation.
func (r *DeliveryReceipt) Handstamps() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.handstamps)+2)
	for k, v := range r.handstamps {
		out[k] = v
	}
	out[HandstampAddressChain] = append([]string(nil), r.chain...)
	if r.status == StatusDead {
		out[HandstampDeadReason] = r.deadReason
	}
	return out
}

// Done is closed once the status leaves DELIVERING.
func (r *DeliveryReceipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the receipt settles or ctx ends.
func (r *DeliveryReceipt) Wait(ctx context.Context) (DeliveryStatus, error) {
	select {
	case <-r.done:
		return r.Status(), nil
	case <-ctx.Done():
		return r.Status(), ctx.Err()
	}
}

// ReceiptSnapshot is a JSON friendly copy of a receipt.
type ReceiptSnapshot struct {
	ParcelID     string         `json:"parcel_id"`
	Address      Address        `json:"address"`
	Status       DeliveryStatus `json:"status"`
	DeadReason   string         `json:"dead_reason,omitempty"`
	AddressChain []string       `json:"address_chain"`
	Handstamps   map[string]any `json:"handstamps,omitempty"`
	SettledAt    *time.Time     `json:"settled_at,omitempty"`
}

// ReceiptHandle is the read-only view of a receipt handed to producers.
// The courier keeps ownership of the parcel; the handle only observes it.
type ReceiptHandle struct {
	receipt  *DeliveryReceipt
	parcelID string
	address  Address
}

// Valid reports whether the handle refers to a parcel.
func (h ReceiptHandle) Valid() bool { return h.receipt != nil }

func (h ReceiptHandle) ParcelID() string { return h.parcelID }

func (h ReceiptHandle) Address() Address { return h.address }

func (h ReceiptHandle) Status() DeliveryStatus {
	if h.receipt == nil {
		return ""
	}
	return h.receipt.Status()
}

func (h ReceiptHandle) Delivered() bool { return h.Status() == StatusDelivered }

func (h ReceiptHandle) Dead() bool { return h.Status() == StatusDead }

func (h ReceiptHandle) DeadReason() string {
	if h.receipt == nil {
		return ""
	}
	return h.receipt.DeadReason()
}

func (h ReceiptHandle) AddressChain() []string {
	if h.receipt == nil {
		return nil
	}
	return h.receipt.AddressChain()
}

func (h ReceiptHandle) Handstamp(key string) (any, bool) {
	if h.receipt == nil {
		return nil, false
	}
	return h.receipt.Handstamp(key)
}

// Done is nil for an invalid handle, so selecting on it blocks forever.
func (h ReceiptHandle) Done() <-chan struct{} {
	if h.receipt == nil {
		return nil
	}
	return h.receipt.Done()
}

func (h ReceiptHandle) Wait(ctx context.Context) (DeliveryStatus, error) {
	if h.receipt == nil {
		return "", errspkg.ErrParcelRequired
	}
	return h.receipt.Wait(ctx)
}

// Snapshot copies the receipt state.
func (h ReceiptHandle) Snapshot() ReceiptSnapshot {
	snap := ReceiptSnapshot{ParcelID: h.parcelID, Address: h.address}
	if h.receipt == nil {
		return snap
	}
	h.receipt.mu.RLock()
	defer h.receipt.mu.RUnlock()
	snap.Status = h.receipt.status
	snap.DeadReason = h.receipt.deadReason
	snap.AddressChain = append([]string{}, h.receipt.chain...)
	if len(h.receipt.handstamps) > 0 {
		snap.Handstamps = make(map[string]any, len(h.receipt.handstamps))
		for k, v := range h.receipt.handstamps {
			snap.Handstamps[k] = v
		}
	}
	if !h.receipt.settledAt.IsZero() {
		at := h.receipt.settledAt
		snap.SettledAt = &at
	}
	return snap
}
