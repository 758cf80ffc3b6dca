// Package directory is the read-only LDAP/AD client. It autodiscovers the
// search base from the rootDSE, looks people up by mail address, and wraps
// every call in a circuit breaker so a flapping directory degrades to fast
// transient errors instead of stalling the callers.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/sony/gobreaker"

	"github.com/wisbric/opswatch/internal/errkind"
)

// bindTimeout caps the connect+bind handshake.
const bindTimeout = 10 * time.Second

// searchAttributes are the attributes read for a person entry; the service
// is never written to.
var searchAttributes = []string{
	"mail", "userPrincipalName", "emailAddress",
	"cn", "displayName", "givenName", "sn", "name",
	"sAMAccountName",
}

// Person is a directory entry projected onto the fields the bot uses.
type Person struct {
	Login       string
	DisplayName string
	Mail        string
}

// Config carries connection fields. BindDN and Password may both be empty
// for an anonymous bind.
type Config struct {
	URL      string
	BindDN   string
	Password string
}

// Client searches the directory. A zero-URL config produces a disabled
// client whose lookups return errkind.NotFound.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	baseDN string
}

// New builds a Client. The base DN is discovered lazily on first search so
// a directory that is down at boot does not abort the process.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "directory",
			Timeout: 30 * time.Second,
		}),
	}
}

// Enabled reports whether a directory URL is configured.
func (c *Client) Enabled() bool { return c.cfg.URL != "" }

// LookupLogin returns the directory login (sAMAccountName) for an email
// address, for callers that only need the account name.
func (c *Client) LookupLogin(ctx context.Context, email string) (string, error) {
	p, err := c.LookupByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	return p.Login, nil
}

// LookupByEmail finds the person whose mail, userPrincipalName, or
// emailAddress equals email. errkind.NotFound when no entry matches,
// errkind.Transient when the directory is unreachable or the breaker is open.
func (c *Client) LookupByEmail(ctx context.Context, email string) (Person, error) {
	if !c.Enabled() {
		return Person{}, fmt.Errorf("directory disabled: %w", errkind.NotFound)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.search(ctx, email)
	})
	if err != nil {
		if errors.Is(err, errkind.NotFound) {
			return Person{}, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Person{}, fmt.Errorf("directory breaker open: %w", errkind.Transient)
		}
		return Person{}, fmt.Errorf("directory lookup: %w: %v", errkind.Transient, err)
	}
	return result.(Person), nil
}

func (c *Client) search(ctx context.Context, email string) (Person, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Person{}, err
	}
	defer conn.Close()

	baseDN, err := c.discoverBaseDN(conn)
	if err != nil {
		return Person{}, err
	}

	filter := fmt.Sprintf("(|(mail=%s)(userPrincipalName=%s)(emailAddress=%s))",
		ldap.EscapeFilter(email), ldap.EscapeFilter(email), ldap.EscapeFilter(email))

	req := ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, int(bindTimeout.Seconds()), false,
		filter,
		searchAttributes,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return Person{}, fmt.Errorf("ldap search: %w", err)
	}
	if len(res.Entries) == 0 {
		return Person{}, fmt.Errorf("no directory entry for %s: %w", email, errkind.NotFound)
	}

	return personFromEntry(res.Entries[0]), nil
}

func (c *Client) dial(ctx context.Context) (*ldap.Conn, error) {
	deadline := bindTimeout
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}
	conn, err := ldap.DialURL(c.cfg.URL, ldap.DialWithDialer(&net.Dialer{Timeout: deadline}))
	if err != nil {
		return nil, fmt.Errorf("ldap dial %s: %w", c.cfg.URL, err)
	}
	conn.SetTimeout(bindTimeout)

	if c.cfg.BindDN != "" {
		err = conn.Bind(c.cfg.BindDN, c.cfg.Password)
	} else {
		err = conn.UnauthenticatedBind("")
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ldap bind: %w", err)
	}
	return conn, nil
}

// discoverBaseDN reads defaultNamingContext (AD) or the first namingContexts
// value (generic LDAP) from the rootDSE, caching the result.
func (c *Client) discoverBaseDN(conn *ldap.Conn) (string, error) {
	if c.baseDN != "" {
		return c.baseDN, nil
	}

	req := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, int(bindTimeout.Seconds()), false,
		"(objectClass=*)",
		[]string{"defaultNamingContext", "namingContexts"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return "", fmt.Errorf("rootDSE search: %w", err)
	}
	if len(res.Entries) == 0 {
		return "", errors.New("rootDSE returned no entries")
	}

	entry := res.Entries[0]
	if dn := entry.GetAttributeValue("defaultNamingContext"); dn != "" {
		c.baseDN = dn
		return dn, nil
	}
	if contexts := entry.GetAttributeValues("namingContexts"); len(contexts) > 0 {
		c.baseDN = contexts[0]
		return contexts[0], nil
	}
	return "", errors.New("rootDSE carries no naming context")
}

func personFromEntry(e *ldap.Entry) Person {
	p := Person{
		Login: e.GetAttributeValue("sAMAccountName"),
		Mail:  e.GetAttributeValue("mail"),
	}
	if p.Mail == "" {
		p.Mail = e.GetAttributeValue("emailAddress")
	}
	for _, attr := range []string{"displayName", "cn", "name"} {
		if v := e.GetAttributeValue(attr); v != "" {
			p.DisplayName = v
			break
		}
	}
	if p.DisplayName == "" {
		given, sn := e.GetAttributeValue("givenName"), e.GetAttributeValue("sn")
		if given != "" || sn != "" {
			p.DisplayName = joinName(given, sn)
		}
	}
	return p
}

func joinName(given, sn string) string {
	switch {
	case given == "":
		return sn
	case sn == "":
		return given
	default:
		return given + " " + sn
	}
}
