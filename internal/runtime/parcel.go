package runtime

import (
	"fmt"
	"time"

	idspkg "github.com/drblury/courier/internal/runtime/ids"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

// Address identifies a logical destination in the roadmap.
type Address string

// ChannelName identifies a shared mailbox. Many addresses may share one.
type ChannelName string

// Parcel is the immutable unit of work moved by the courier. Each parcel owns
// exactly one receipt, allocated with it.
type Parcel struct {
	id        string
	address   Address
	payload   any
	metadata  metadatapkg.Metadata
	createdAt time.Time
	receipt   *DeliveryReceipt
}

// NewParcel builds a parcel with a fresh receipt. The metadata map is copied.
func NewParcel(address Address, payload any, md metadatapkg.Metadata) *Parcel {
	return newParcel(address, payload, md.Clone(), nil)
}

func newParcel(address Address, payload any, md metadatapkg.Metadata, chain []string) *Parcel {
	now := time.Now()
	return &Parcel{
		id:        idspkg.CreateULIDAt(now),
		address:   address,
		payload:   payload,
		metadata:  md,
		createdAt: now,
		receipt:   newDeliveryReceipt(chain),
	}
}

func (p *Parcel) ID() string { return p.id }

func (p *Parcel) Address() Address { return p.address }

func (p *Parcel) Payload() any { return p.payload }

// Metadata returns a copy; mutating it does not affect the parcel.
func (p *Parcel) Metadata() metadatapkg.Metadata { return p.metadata.Clone() }

func (p *Parcel) CreatedAt() time.Time { return p.createdAt }

// Receipt exposes the mutable outcome tracker. Producers should prefer Handle.
func (p *Parcel) Receipt() *DeliveryReceipt { return p.receipt }

// Handle returns a read-only observer of the parcel's receipt.
func (p *Parcel) Handle() ReceiptHandle {
	return ReceiptHandle{receipt: p.receipt, parcelID: p.id, address: p.address}
}

// Sendable reports whether the parcel may still be submitted.
func (p *Parcel) Sendable() bool {
	return p.receipt.Status() == StatusDelivering
}

// Retarget returns a new parcel for address with the same payload and
// metadata. Its receipt is fresh but starts from this parcel's address chain.
func (p *Parcel) Retarget(address Address) *Parcel {
	return newParcel(address, p.payload, p.metadata.Clone(), p.receipt.AddressChain())
}

// WithPayload returns a revision carrying payload. A revision keeps the id,
// address and receipt of its source and supersedes it; middleware uses
// revisions to transform parcels in flight.
func (p *Parcel) WithPayload(payload any) *Parcel {
	rev := *p
	rev.payload = payload
	return &rev
}

// WithMetadata returns a revision whose metadata is a copy of md.
func (p *Parcel) WithMetadata(md metadatapkg.Metadata) *Parcel {
	rev := *p
	rev.metadata = md.Clone()
	return &rev
}

// RevisionOf reports whether p shares other's receipt.
func (p *Parcel) RevisionOf(other *Parcel) bool {
	return p != nil && other != nil && p.receipt == other.receipt
}

func (p *Parcel) String() string {
	return fmt.Sprintf("Parcel(%s -> %s, %s)", p.id, p.address, p.receipt.Status())
}

// PayloadAs returns the payload when it holds a T.
func PayloadAs[T any](p *Parcel) (T, bool) {
	v, ok := p.payload.(T)
	return v, ok
}

func hopEntry(channel ChannelName, address Address) string {
	return fmt.Sprintf("c:%s-a:%s", channel, address)
}

func deadHopEntry(address Address) string {
	return fmt.Sprintf("c:dead-a:%s", address)
}
