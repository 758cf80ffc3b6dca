package otrs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/opswatch/internal/errkind"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{
		BaseURL:        srv.URL,
		WebServiceName: "TelegramBot",
		Login:          "bot",
		Password:       "secret",
	}, logger)
}

func TestSearchActiveSendsCredentialsAndStates(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Webservice/TelegramBot/TicketSearch", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"TicketID": []any{501, "502"}})
	})

	ids, err := c.SearchActive(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, []string{"501", "502"}, ids)

	require.Equal(t, "bot", got["UserLogin"])
	require.Equal(t, "secret", got["Password"])
	require.Len(t, got["StateType"], 5)
	require.EqualValues(t, 50, got["Limit"])
}

func TestGetTicketDecodesWireShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"Ticket": []map[string]any{{
				"TicketID":       501,
				"TicketNumber":   "2024-0501",
				"Title":          "printer broken",
				"State":          "new",
				"Priority":       "3 normal",
				"Queue":          "IT",
				"Owner":          "root@localhost",
				"CustomerUserID": "carol",
				"Created":        "2026-08-01 10:30:00",
				"Article":        []map[string]any{{"Body": "it smokes"}},
			}},
		})
	})

	ticket, err := c.GetTicket(context.Background(), "501")
	require.NoError(t, err)
	require.Equal(t, "501", ticket.TicketID)
	require.Equal(t, "2024-0501", ticket.Number)
	require.Equal(t, "printer broken", ticket.Title)
	require.Equal(t, "root@localhost", ticket.Owner)
	require.Equal(t, []string{"it smokes"}, ticket.ArticleBodies)
	require.Equal(t, 2026, ticket.CreatedAt.Year())
}

func TestErrorEnvelopeSurfacesAsExternalReject(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"Error": map[string]string{
				"ErrorCode":    "TicketUpdate.AccessDenied",
				"ErrorMessage": "no permission",
			},
		})
	})

	state := "open"
	err := c.UpdateTicket(context.Background(), "501", Update{State: &state})
	require.Error(t, err)
	require.True(t, errors.Is(err, errkind.ExternalReject))
	require.Contains(t, err.Error(), "no permission")
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.SearchActive(context.Background(), 10)
	require.Error(t, err)
	require.True(t, errors.Is(err, errkind.Transient))
}

func TestVerifyAgentLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		owners, _ := body["Owners"].([]any)
		require.Len(t, owners, 1)
		if owners[0] == "alice" {
			json.NewEncoder(w).Encode(map[string]any{"TicketID": []any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Error": map[string]string{"ErrorCode": "TicketSearch.InvalidOwner", "ErrorMessage": "unknown agent"},
		})
	})

	ok, err := c.VerifyAgentLogin(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok, "a search without a user error accepts the login")

	ok, err = c.VerifyAgentLogin(context.Background(), "mallory")
	require.NoError(t, err)
	require.False(t, ok, "a user error means the login is unknown")
}

func TestCreateTicketReturnsID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Webservice/TelegramBot/TicketCreate", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"TicketID": 777})
	})

	id, err := c.CreateTicket(context.Background(), Create{
		Title: "new", Queue: "IT", State: "new", Priority: "3 normal",
		CustomerUser: "carol", Article: Article{Subject: "s", Body: "b"},
	})
	require.NoError(t, err)
	require.Equal(t, "777", id)
}
