package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/ids"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

func TestNewParcel(t *testing.T) {
	md := metadatapkg.New("tenant", "acme")
	p := NewParcel("orders", 42, md)

	assert.NotEmpty(t, p.ID())
	assert.Equal(t, Address("orders"), p.Address())
	assert.Equal(t, 42, p.Payload())
	assert.Equal(t, "acme", p.Metadata()["tenant"])
	assert.False(t, p.CreatedAt().IsZero())
	assert.True(t, p.Sendable())

	created, err := ids.Timestamp(p.ID())
	require.NoError(t, err)
	assert.Equal(t, p.CreatedAt().UnixMilli(), created.UnixMilli())

	md["tenant"] = "changed"
	assert.Equal(t, "acme", p.Metadata()["tenant"], "metadata must be copied on construction")

	out := p.Metadata()
	out["tenant"] = "changed"
	assert.Equal(t, "acme", p.Metadata()["tenant"], "Metadata must return a copy")
}

func TestParcelIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		p := NewParcel("a", nil, nil)
		_, dup := seen[p.ID()]
		require.False(t, dup)
		seen[p.ID()] = struct{}{}
	}
}

func TestParcelSendableFollowsReceipt(t *testing.T) {
	p := NewParcel("a", nil, nil)
	require.True(t, p.Sendable())

	p.Receipt().MarkDelivered()
	assert.False(t, p.Sendable())
}

func TestRetargetCarriesChainAndMetadata(t *testing.T) {
	p := NewParcel("fetch", "url", metadatapkg.New("k", "v"))
	p.Receipt().AppendAddress(hopEntry("io", "fetch"))

	next := p.Retarget("render")

	assert.NotEqual(t, p.ID(), next.ID())
	assert.Equal(t, Address("render"), next.Address())
	assert.Equal(t, "url", next.Payload())
	assert.Equal(t, "v", next.Metadata()["k"])
	assert.Equal(t, []string{"c:io-a:fetch"}, next.Receipt().AddressChain())
	assert.False(t, next.RevisionOf(p))

	next.Receipt().AppendAddress(hopEntry("cpu", "render"))
	assert.Len(t, p.Receipt().AddressChain(), 1, "retargeted chain must not alias the source")
}

func TestRevisionsShareReceipt(t *testing.T) {
	p := NewParcel("a", 1, nil)

	withPayload := p.WithPayload(2)
	withMeta := p.WithMetadata(metadatapkg.New("x", 1))

	assert.Equal(t, p.ID(), withPayload.ID())
	assert.Equal(t, 2, withPayload.Payload())
	assert.Equal(t, 1, p.Payload())
	assert.True(t, withPayload.RevisionOf(p))
	assert.True(t, withMeta.RevisionOf(p))
	assert.Equal(t, 1, withMeta.Metadata()["x"])
	assert.Empty(t, p.Metadata())

	withPayload.Receipt().MarkDelivered()
	assert.Equal(t, StatusDelivered, p.Receipt().Status())
}

func TestPayloadAs(t *testing.T) {
	p := NewParcel("a", "text", nil)

	s, ok := PayloadAs[string](p)
	assert.True(t, ok)
	assert.Equal(t, "text", s)

	_, ok = PayloadAs[int](p)
	assert.False(t, ok)
}

func TestHopEntries(t *testing.T) {
	assert.Equal(t, "c:main-a:orders", hopEntry("main", "orders"))
	assert.Equal(t, "c:dead-a:orders", deadHopEntry("orders"))
}
