package runtime

import (
	"fmt"
	"sort"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// Road binds an address to the channel that queues its parcels and the
// receiver that handles them.
type Road struct {
	Channel  ChannelName
	Receiver Receiver
}

// Route is one row of a static registration table.
type Route struct {
	Address  Address
	Channel  ChannelName
	Receiver Receiver
}

// Roadmap maps addresses to roads. It is filled during registration and only
// read once the courier seals it; it does no locking of its own.
type Roadmap struct {
	roads map[Address]Road
	order []Address
}

func NewRoadmap() *Roadmap {
	return &Roadmap{roads: make(map[Address]Road)}
}

// Register adds a road. Registering an address twice is an error.
func (m *Roadmap) Register(address Address, road Road) error {
	if address == "" {
		return errspkg.ErrAddressRequired
	}
	if road.Receiver == nil {
		return errspkg.ErrReceiverRequired
	}
	if _, exists := m.roads[address]; exists {
		return fmt.Errorf("%w: %q", errspkg.ErrAddressRegistered, address)
	}
	m.roads[address] = road
	m.order = append(m.order, address)
	return nil
}

func (m *Roadmap) Lookup(address Address) (Road, bool) {
	road, ok := m.roads[address]
	return road, ok
}

func (m *Roadmap) Len() int { return len(m.roads) }

// Addresses returns the registered addresses in registration order.
func (m *Roadmap) Addresses() []Address {
	return append([]Address(nil), m.order...)
}

// Channels returns the distinct channel names, sorted.
func (m *Roadmap) Channels() []ChannelName {
	seen := make(map[ChannelName]struct{})
	var out []ChannelName
	for _, road := range m.roads {
		if _, ok := seen[road.Channel]; ok {
			continue
		}
		seen[road.Channel] = struct{}{}
		out = append(out, road.Channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
