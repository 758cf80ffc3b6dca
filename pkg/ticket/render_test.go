package ticket

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/opswatch/pkg/otrs"
)

func TestOwnerUnassigned(t *testing.T) {
	tests := []struct {
		owner string
		want  bool
	}{
		{"", true},
		{"  ", true},
		{"-", true},
		{"none", true},
		{"root", true},
		{"Root", true},
		{"admin", true},
		{"root@localhost", true},
		{"admin@localhost", true},
		{"не назначен", true},
		{"telegram_bot", true},
		{"telegram-bot", true},
		{"telegrambot", true},
		{"bot", true},
		{"Bot", true},
		{"alice", false},
		{"abbott", false},
		{"bot2", false},
		{"robot_operator", false},
		{"j.doe", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ownerUnassigned(tt.owner), "owner %q", tt.owner)
	}
}

func TestKeyboardDerivation(t *testing.T) {
	r := &Reconciler{webBaseURL: "https://otrs.example.com"}

	flatten := func(t otrs.Ticket, private bool) []string {
		kb := r.keyboard(t)
		if private {
			kb = r.privateKeyboard(t)
		}
		var actions []string
		for _, row := range kb.Rows {
			for _, b := range row {
				if b.CallbackData != "" {
					actions = append(actions, b.CallbackData)
				} else {
					actions = append(actions, "url")
				}
			}
		}
		return actions
	}

	// Unassigned: take/comment/reject plus refresh/open.
	require.Equal(t,
		[]string{"take:501", "comment:501", "reject:501", "refresh:501", "url"},
		flatten(otrs.Ticket{TicketID: "501", State: "new", Owner: "root@localhost"}, false))

	// Assigned: close/comment/reassign/reject plus refresh/open.
	require.Equal(t,
		[]string{"close:501", "comment:501", "reassign:501", "reject:501", "refresh:501", "url"},
		flatten(otrs.Ticket{TicketID: "501", State: "open", Owner: "alice"}, false))

	// Closed: only refresh and open, regardless of owner.
	require.Equal(t,
		[]string{"refresh:501", "url"},
		flatten(otrs.Ticket{TicketID: "501", State: "closed successful", Owner: "alice"}, false))

	// Private copy never offers take or reassign and refreshes itself.
	private := flatten(otrs.Ticket{TicketID: "501", State: "open", Owner: "alice"}, true)
	require.NotContains(t, private, "take:501")
	require.NotContains(t, private, "reassign:501")
	require.Contains(t, private, "refresh_private:501")
}

func TestKeyboardIsDeterministic(t *testing.T) {
	r := &Reconciler{webBaseURL: "https://otrs.example.com"}
	ticket := otrs.Ticket{TicketID: "9", State: "open", Owner: "bob"}
	require.Equal(t, r.keyboard(ticket), r.keyboard(ticket))
}

func TestLoginCandidates(t *testing.T) {
	require.Equal(t,
		[]string{"alice", "alice.smith", "alicesmith", "alice_smith", "alice.smith@a.com"},
		loginCandidates("alice.smith@a.com"))

	// No dots in the local part collapses the variants.
	require.Equal(t,
		[]string{"bob", "bob@a.com"},
		loginCandidates("bob@a.com"))
}

func TestRenderTicketEscapesHTML(t *testing.T) {
	out := renderTicket(otrs.Ticket{
		Number: "2024-0501",
		Title:  "printer <broken> & smoking",
		State:  "new",
		Owner:  "root@localhost",
	})
	require.Contains(t, out, "printer &lt;broken&gt; &amp; smoking")
	require.NotContains(t, out, "<broken>")
}

func TestStateClosed(t *testing.T) {
	require.True(t, stateClosed("closed successful"))
	require.True(t, stateClosed("Closed Unsuccessful"))
	require.False(t, stateClosed("open"))
	require.False(t, stateClosed("pending reminder"))
}
