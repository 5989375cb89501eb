package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// ParcelMiddleware transforms parcels around the queue. PreProcess runs in
// the submitter's call path for the parcel's address; PostProcess runs once
// per dequeue for the channel. Either may return a revision of its input
// (see Parcel.WithPayload) but never a different address.
type ParcelMiddleware interface {
	PreProcess(ctx context.Context, parcel *Parcel) (*Parcel, error)
	PostProcess(ctx context.Context, parcel *Parcel) (*Parcel, error)
}

// MiddlewareFuncs adapts plain functions to ParcelMiddleware. A nil side
// passes the parcel through unchanged.
type MiddlewareFuncs struct {
	Pre  func(ctx context.Context, parcel *Parcel) (*Parcel, error)
	Post func(ctx context.Context, parcel *Parcel) (*Parcel, error)
}

func (m MiddlewareFuncs) PreProcess(ctx context.Context, parcel *Parcel) (*Parcel, error) {
	if m.Pre == nil {
		return parcel, nil
	}
	return m.Pre(ctx, parcel)
}

func (m MiddlewareFuncs) PostProcess(ctx context.Context, parcel *Parcel) (*Parcel, error) {
	if m.Post == nil {
		return parcel, nil
	}
	return m.Post(ctx, parcel)
}

var (
	errMiddlewareNilParcel = errors.New("middleware returned no parcel")
	errMiddlewareReplaced  = errors.New("middleware replaced the parcel instead of revising it")
)

// MiddlewareRegistry holds at most one middleware per address and one per channel.
type MiddlewareRegistry struct {
	mu        sync.RWMutex
	byAddress map[Address]ParcelMiddleware
	byChannel map[ChannelName]ParcelMiddleware
	sealed    bool
}

func NewMiddlewareRegistry() *MiddlewareRegistry {
	return &MiddlewareRegistry{
		byAddress: make(map[Address]ParcelMiddleware),
		byChannel: make(map[ChannelName]ParcelMiddleware),
	}
}

// ForAddress registers the pre-process middleware for address.
func (r *MiddlewareRegistry) ForAddress(address Address, mw ParcelMiddleware) error {
	if address == "" {
		return errspkg.ErrAddressRequired
	}
	if mw == nil {
		return errspkg.ErrMiddlewareRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errspkg.ErrRoadmapSealed
	}
	if _, exists := r.byAddress[address]; exists {
		return fmt.Errorf("%w: address %q", errspkg.ErrMiddlewareExists, address)
	}
	r.byAddress[address] = mw
	return nil
}

// ForChannel registers the post-process middleware for channel.
func (r *MiddlewareRegistry) ForChannel(channel ChannelName, mw ParcelMiddleware) error {
	if channel == "" {
		return errors.New("courier: channel name is required")
	}
	if mw == nil {
		return errspkg.ErrMiddlewareRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errspkg.ErrRoadmapSealed
	}
	if _, exists := r.byChannel[channel]; exists {
		return fmt.Errorf("%w: channel %q", errspkg.ErrMiddlewareExists, channel)
	}
	r.byChannel[channel] = mw
	return nil
}

func (r *MiddlewareRegistry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// PreProcess applies the address middleware, if any.
func (r *MiddlewareRegistry) PreProcess(ctx context.Context, parcel *Parcel) (*Parcel, error) {
	r.mu.RLock()
	mw, ok := r.byAddress[parcel.Address()]
	r.mu.RUnlock()
	if !ok {
		return parcel, nil
	}
	out, err := mw.PreProcess(ctx, parcel)
	if err != nil {
		return parcel, err
	}
	return checkRevision(parcel, out)
}

// PostProcess applies the channel middleware, if any.
func (r *MiddlewareRegistry) PostProcess(ctx context.Context, channel ChannelName, parcel *Parcel) (*Parcel, error) {
	r.mu.RLock()
	mw, ok := r.byChannel[channel]
	r.mu.RUnlock()
	if !ok {
		return parcel, nil
	}
	out, err := mw.PostProcess(ctx, parcel)
	if err != nil {
		return parcel, err
	}
	return checkRevision(parcel, out)
}

// Revisions share the receipt and address of their input, so a retargeted
// or freshly built parcel is refused here.
func checkRevision(in, out *Parcel) (*Parcel, error) {
	switch {
	case out == nil:
		return in, errMiddlewareNilParcel
	case !out.RevisionOf(in):
		return in, fmt.Errorf("%w: %s returned for %s", errMiddlewareReplaced, out, in)
	}
	return out, nil
}
