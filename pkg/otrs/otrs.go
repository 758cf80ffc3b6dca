// Package otrs is the REST client for the external ticket store. It speaks
// the OTRS generic-interface webservice dialect: every operation is a POST
// with UserLogin/Password in the request body, and application-level
// failures come back inside a 200 response as an Error envelope. The client
// wraps every call in a circuit breaker so a flapping ticket store degrades
// to fast transient errors in the reconciler instead of hanging it.
package otrs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wisbric/opswatch/internal/errkind"
)

// activeStateTypes are the ticket states considered active by the bot.
var activeStateTypes = []string{"new", "open", "pending", "pending reminder", "pending auto close"}

// Ticket is a fully fetched ticket projected onto the fields the bot renders.
type Ticket struct {
	TicketID      string
	Number        string
	Title         string
	State         string
	Priority      string
	Queue         string
	Owner         string
	Customer      string
	CreatedAt     time.Time
	ArticleBodies []string
}

// Update carries the optional fields of an UpdateTicket call. Nil fields are
// omitted from the request.
type Update struct {
	State    *string
	Owner    *string
	Priority *string
	Article  *Article
}

// Article is an internal note attached to a ticket update or creation.
type Article struct {
	Subject string
	Body    string
}

// Create carries the fields of a CreateTicket call.
type Create struct {
	Title        string
	Queue        string
	State        string
	Priority     string
	CustomerUser string
	Article      Article
}

// Config carries the webservice endpoint and the bot's agent credentials.
type Config struct {
	BaseURL        string
	WebServiceName string
	Login          string
	Password       string
}

// Client issues ticket-store operations.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client with a 30 s HTTP timeout.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "otrs",
			Timeout: 30 * time.Second,
		}),
	}
}

// flexID decodes a JSON number or string into its textual form — the ticket
// store emits either depending on its serializer version.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

type errorEnvelope struct {
	Error *struct {
		ErrorCode    string `json:"ErrorCode"`
		ErrorMessage string `json:"ErrorMessage"`
	} `json:"Error"`
}

// SearchActive returns the ids of every ticket currently in an active state,
// newest first, capped at limit.
func (c *Client) SearchActive(ctx context.Context, limit int) ([]string, error) {
	body := map[string]any{
		"UserLogin": c.cfg.Login,
		"Password":  c.cfg.Password,
		"StateType": activeStateTypes,
		"Limit":     limit,
		"SortBy":    "Age",
		"OrderBy":   "Up",
	}

	var out struct {
		errorEnvelope
		TicketID []flexID `json:"TicketID"`
	}
	if err := c.call(ctx, "TicketSearch", body, &out); err != nil {
		return nil, err
	}
	if err := out.reject("TicketSearch"); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(out.TicketID))
	for _, id := range out.TicketID {
		ids = append(ids, id.String())
	}
	return ids, nil
}

// GetTicket fetches one ticket with all article bodies.
func (c *Client) GetTicket(ctx context.Context, id string) (Ticket, error) {
	body := map[string]any{
		"UserLogin":   c.cfg.Login,
		"Password":    c.cfg.Password,
		"TicketID":    id,
		"AllArticles": 1,
	}

	var out struct {
		errorEnvelope
		Ticket []wireTicket `json:"Ticket"`
	}
	if err := c.call(ctx, "TicketGet", body, &out); err != nil {
		return Ticket{}, err
	}
	if err := out.reject("TicketGet"); err != nil {
		return Ticket{}, err
	}
	if len(out.Ticket) == 0 {
		return Ticket{}, fmt.Errorf("ticket %s: %w", id, errkind.NotFound)
	}
	return out.Ticket[0].ticket(), nil
}

// UpdateTicket applies state/owner/priority changes and/or an internal note.
func (c *Client) UpdateTicket(ctx context.Context, id string, upd Update) error {
	ticket := map[string]any{}
	if upd.State != nil {
		ticket["State"] = *upd.State
	}
	if upd.Owner != nil {
		ticket["Owner"] = *upd.Owner
	}
	if upd.Priority != nil {
		ticket["Priority"] = *upd.Priority
	}

	body := map[string]any{
		"UserLogin": c.cfg.Login,
		"Password":  c.cfg.Password,
		"TicketID":  id,
	}
	if len(ticket) > 0 {
		body["Ticket"] = ticket
	}
	if upd.Article != nil {
		body["Article"] = articleBody(*upd.Article)
	}

	var out struct {
		errorEnvelope
		TicketID flexID `json:"TicketID"`
	}
	if err := c.call(ctx, "TicketUpdate", body, &out); err != nil {
		return err
	}
	return out.reject("TicketUpdate")
}

// CreateTicket creates a fresh ticket and returns its id.
func (c *Client) CreateTicket(ctx context.Context, create Create) (string, error) {
	body := map[string]any{
		"UserLogin": c.cfg.Login,
		"Password":  c.cfg.Password,
		"Ticket": map[string]any{
			"Title":        create.Title,
			"Queue":        create.Queue,
			"State":        create.State,
			"Priority":     create.Priority,
			"CustomerUser": create.CustomerUser,
		},
		"Article": articleBody(create.Article),
	}

	var out struct {
		errorEnvelope
		TicketID flexID `json:"TicketID"`
	}
	if err := c.call(ctx, "TicketCreate", body, &out); err != nil {
		return "", err
	}
	if err := out.reject("TicketCreate"); err != nil {
		return "", err
	}
	return out.TicketID.String(), nil
}

// VerifyAgentLogin reports whether login is a real agent in the ticket
// store, implemented as an owner-filtered search that succeeds without a
// user error. Store outages report an error (not false) so the caller can
// distinguish "not an agent" from "unknown".
func (c *Client) VerifyAgentLogin(ctx context.Context, login string) (bool, error) {
	body := map[string]any{
		"UserLogin": c.cfg.Login,
		"Password":  c.cfg.Password,
		"Owners":    []string{login},
		"Limit":     1,
	}

	var out struct {
		errorEnvelope
		TicketID []flexID `json:"TicketID"`
	}
	if err := c.call(ctx, "TicketSearch", body, &out); err != nil {
		return false, err
	}
	if out.Error != nil {
		return false, nil
	}
	return true, nil
}

func articleBody(a Article) map[string]any {
	return map[string]any{
		"Subject":              a.Subject,
		"Body":                 a.Body,
		"ContentType":          "text/plain; charset=utf8",
		"CommunicationChannel": "Internal",
	}
}

func (e *errorEnvelope) reject(op string) error {
	if e.Error == nil {
		return nil
	}
	return fmt.Errorf("%s: %s (%s): %w", op, e.Error.ErrorMessage, e.Error.ErrorCode, errkind.ExternalReject)
}

func (c *Client) call(ctx context.Context, operation string, body any, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.post(ctx, operation, body, out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: breaker open: %w", operation, errkind.Transient)
		}
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, operation string, body, out any) error {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "Webservice", c.cfg.WebServiceName, operation)
	if err != nil {
		return fmt.Errorf("%s: building url: %w", operation, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: building request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", operation, errkind.Transient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: reading response: %w: %v", operation, errkind.Transient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: status %d: %w", operation, resp.StatusCode, errkind.Transient)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: status %d: %w", operation, resp.StatusCode, errkind.ExternalReject)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", operation, err)
	}
	return nil
}

// wireTicket is the OTRS response shape; numeric fields arrive as either
// strings or numbers depending on the store's serializer version.
type wireTicket struct {
	TicketID     flexID      `json:"TicketID"`
	TicketNumber string      `json:"TicketNumber"`
	Title        string      `json:"Title"`
	State        string      `json:"State"`
	Priority     string      `json:"Priority"`
	Queue        string      `json:"Queue"`
	Owner        string      `json:"Owner"`
	CustomerID   string      `json:"CustomerUserID"`
	Created      string      `json:"Created"`
	Article      []struct {
		Body string `json:"Body"`
	} `json:"Article"`
}

func (w wireTicket) ticket() Ticket {
	t := Ticket{
		TicketID: w.TicketID.String(),
		Number:   w.TicketNumber,
		Title:    w.Title,
		State:    w.State,
		Priority: w.Priority,
		Queue:    w.Queue,
		Owner:    w.Owner,
		Customer: w.CustomerID,
	}
	if created, err := time.Parse("2006-01-02 15:04:05", w.Created); err == nil {
		t.CreatedAt = created
	}
	for _, a := range w.Article {
		t.ArticleBodies = append(t.ArticleBodies, a.Body)
	}
	return t
}
