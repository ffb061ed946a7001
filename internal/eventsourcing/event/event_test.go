package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeDomain(t *testing.T) {
	require.Equal(t, "order", Type("order.item_added").Domain())
	require.Equal(t, "plain", Type("plain").Domain())
}

func TestStreamValidate(t *testing.T) {
	require.NoError(t, Stream(" order ", " o-1 ").Validate())
	require.Equal(t, "order/o-1", Stream(" order ", " o-1 ").String())
	require.ErrorIs(t, Stream("order", "  ").Validate(), ErrInvalidStream)
	require.ErrorIs(t, StreamID{ID: "o-1"}.Validate(), ErrInvalidStream)
}

func TestPatternMatches(t *testing.T) {
	cases := []struct {
		pattern Pattern
		typ     Type
		want    bool
	}{
		{"", "order.created", true},
		{MatchAll, "payment.charged", true},
		{"order.*", "order.created", true},
		{"order.*", "payment.charged", false},
		{"order.created", "order.created", true},
		{"*.failed", "payment.failed", true},
		{"[", "order.created", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.pattern.Matches(tc.typ), "%s ~ %s", tc.pattern, tc.typ)
	}
	require.Error(t, Pattern("[").Validate())
	require.True(t, AnyOf("stock.reserved", "order.*", "stock.*"))
	require.False(t, AnyOf("stock.reserved"))
}

func TestPartitionIsStablePerStream(t *testing.T) {
	a := Event{AggregateType: "order", AggregateID: "o-1", Version: 1}
	b := Event{AggregateType: "order", AggregateID: "o-1", Version: 7}
	for _, n := range []int{1, 2, 8, 31} {
		p := a.Partition(n)
		require.Equal(t, p, b.Partition(n))
		require.GreaterOrEqual(t, p, 0)
		require.Less(t, p, max(n, 1))
	}
	require.Zero(t, PartitionOf("anything", 0))
}

func TestDecode(t *testing.T) {
	evt := Event{ID: "e-1", Type: "order.created", Payload: []byte(`{"customer_id":"c-1"}`)}
	var payload struct {
		CustomerID string `json:"customer_id"`
	}
	require.NoError(t, evt.Decode(&payload))
	require.Equal(t, "c-1", payload.CustomerID)

	evt.Payload = []byte(`{`)
	require.Error(t, evt.Decode(&payload))

	evt.Redacted = true
	evt.Payload = Tombstone()
	require.ErrorContains(t, evt.Decode(&payload), "redacted")
}
