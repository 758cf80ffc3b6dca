package pendingaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTakeConsumesSingleSlot(t *testing.T) {
	b := New()
	b.Set(7001, Action{Kind: KindClose, TicketID: "501"})

	a, ok := b.Take(7001)
	require.True(t, ok)
	require.Equal(t, KindClose, a.Kind)
	require.Equal(t, "501", a.TicketID)

	_, ok = b.Take(7001)
	require.False(t, ok, "slot consumed")
}

func TestSetReplacesPriorAction(t *testing.T) {
	b := New()
	b.Set(7001, Action{Kind: KindClose, TicketID: "501"})
	b.Set(7001, Action{Kind: KindComment, TicketID: "502"})

	a, ok := b.Take(7001)
	require.True(t, ok)
	require.Equal(t, KindComment, a.Kind)
	require.Equal(t, "502", a.TicketID)
}

func TestUsersAreIndependent(t *testing.T) {
	b := New()
	b.Set(1, Action{Kind: KindClose, TicketID: "501"})
	b.Set(2, Action{Kind: KindReject, TicketID: "502"})

	a1, ok := b.Take(1)
	require.True(t, ok)
	require.Equal(t, "501", a1.TicketID)

	a2, ok := b.Take(2)
	require.True(t, ok)
	require.Equal(t, "502", a2.TicketID)
}

func TestExpiredActionNotReturned(t *testing.T) {
	b := New()
	now := time.Now()
	b.now = func() time.Time { return now }
	b.Set(7001, Action{Kind: KindClose, TicketID: "501"})

	b.now = func() time.Time { return now.Add(TTL + time.Second) }
	_, ok := b.Take(7001)
	require.False(t, ok, "expired entries are swept on access")
}

func TestClearDropsWithoutConsuming(t *testing.T) {
	b := New()
	b.Set(7001, Action{Kind: KindClose, TicketID: "501"})
	b.Clear(7001)

	_, ok := b.Take(7001)
	require.False(t, ok)
}
