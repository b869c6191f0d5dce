package gobox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// DefaultHost is used when no service host is configured.
const DefaultHost = "localhost"

// Mode is the role the credentials authenticate as.
type Mode string

const (
	ModeClient  Mode = "CLIENT"
	ModeStorage Mode = "STORAGE"
)

var (
	// ErrLoginRejected is returned by Login when the service refuses the
	// username and password.
	ErrLoginRejected = errors.New("login rejected")

	// ErrTokenInvalid is returned by Check when the token is no longer valid.
	ErrTokenInvalid = errors.New("token not valid")

	errNoToken = errors.New("no token: login first")
)

// wireMarshaler is implemented by types whose MarshalJSON is redacted for safety.
// marshalForWire uses this to get the unredacted representation for the wire.
type wireMarshaler interface {
	marshalWire() ([]byte, error)
}

// marshalForWire marshals v for the service. If v implements wireMarshaler
// the unredacted wire representation is returned instead.
func marshalForWire(v interface{}) ([]byte, error) {
	if wm, ok := v.(wireMarshaler); ok {
		return wm.marshalWire()
	}
	return json.Marshal(v)
}

// loginRequest is the body of the login call.
type loginRequest struct {
	Mode     Mode   `json:"mode"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
	Password string `json:"password"`
}

// MarshalJSON redacts the password to prevent accidental credential leaks
// via structured logging or debug serializers.
func (r *loginRequest) MarshalJSON() ([]byte, error) {
	type redacted struct {
		Mode     Mode   `json:"mode"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	return json.Marshal(redacted{Mode: r.Mode, Username: r.Username, Password: "[REDACTED]"})
}

func (r *loginRequest) marshalWire() ([]byte, error) {
	type wire loginRequest
	return json.Marshal((*wire)(r))
}

// Credentials authenticate the user against the service and hold the bearer
// token used for the socket and for transfers. Credentials implement
// oauth2.TokenSource, so HTTP clients built with HTTPClient always send the
// current token.
type Credentials struct {
	mu        sync.RWMutex
	mode      Mode
	username  string
	token     string
	listeners map[int]func(token string)
	nextID    int

	urls *URLBuilder
	http *resty.Client
	log  *logrus.Entry
}

// CredentialsOption configures Credentials.
type CredentialsOption func(*Credentials)

// WithAuthURLs sets the builder resolving the login and authCheck URLs.
func WithAuthURLs(urls *URLBuilder) CredentialsOption {
	return func(c *Credentials) {
		if urls != nil {
			c.urls = urls
		}
	}
}

// WithAuthHTTPClient sets the HTTP client used for login and checks.
func WithAuthHTTPClient(hc *http.Client) CredentialsOption {
	return func(c *Credentials) {
		if hc != nil {
			c.http = resty.NewWithClient(hc)
		}
	}
}

// WithMode sets the role the credentials authenticate as.
func WithMode(mode Mode) CredentialsOption {
	return func(c *Credentials) {
		c.mode = mode
	}
}

// WithAuthLogger sets the logger.
func WithAuthLogger(log *logrus.Entry) CredentialsOption {
	return func(c *Credentials) {
		if log != nil {
			c.log = log
		}
	}
}

// NewCredentials creates credentials for username. token may be empty until
// Login is called.
func NewCredentials(username, token string, opts ...CredentialsOption) *Credentials {
	c := &Credentials{
		mode:      ModeClient,
		username:  username,
		token:     token,
		listeners: make(map[int]func(string)),
		urls:      NewURLBuilder(DefaultHost),
		http:      resty.New(),
		log:       defaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Username returns the account name.
func (c *Credentials) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Mode returns the role the credentials authenticate as.
func (c *Credentials) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// CurrentToken returns the bearer token, empty before login.
func (c *Credentials) CurrentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the token and notifies the token change listeners.
func (c *Credentials) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	listeners := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(token)
	}
}

// OnTokenChange registers fn to be called with every new token. The returned
// function unregisters it.
func (c *Credentials) OnTokenChange(fn func(token string)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// HeaderValue returns the Authorization header value.
func (c *Credentials) HeaderValue() string {
	return "Bearer " + c.CurrentToken()
}

// Authorize sets the Authorization header on h.
func (c *Credentials) Authorize(h http.Header) {
	h.Set("Authorization", c.HeaderValue())
}

// Token implements oauth2.TokenSource.
func (c *Credentials) Token() (*oauth2.Token, error) {
	token := c.CurrentToken()
	if token == "" {
		return nil, errNoToken
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

// HTTPClient returns an HTTP client that authorizes every request with the
// current token. base may be nil for http.DefaultTransport.
func (c *Credentials) HTTPClient(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{Source: c, Base: base}}
}

// Login exchanges the password for a token.
func (c *Credentials) Login(ctx context.Context, password string) error {
	u, err := c.urls.Get(URLLogin)
	if err != nil {
		return err
	}
	c.mu.RLock()
	req := &loginRequest{Mode: c.mode, Username: c.username, Token: c.token, Password: password}
	c.mu.RUnlock()
	body, err := marshalForWire(req)
	if err != nil {
		return fmt.Errorf("marshal login request: %w", err)
	}

	var res struct {
		Result string `json:"result"`
		Token  string `json:"token"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&res).
		Post(u.String())
	if err != nil {
		return NewTransportError("login", err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.log.WithField("status", resp.StatusCode()).Warn("Login refused")
		return fmt.Errorf("%w: status %d", ErrLoginRejected, resp.StatusCode())
	}
	if res.Result != "logged in" || res.Token == "" {
		return fmt.Errorf("%w: %s", ErrLoginRejected, res.Result)
	}

	c.log.WithField("username", req.Username).Info("Logged in")
	c.SetToken(res.Token)
	return nil
}

// Check verifies the token with the service and stores the renewed token
// it returns.
func (c *Credentials) Check(ctx context.Context) error {
	u, err := c.urls.Get(URLAuthCheck)
	if err != nil {
		return err
	}

	var res struct {
		State  string `json:"state"`
		NewOne string `json:"newOne"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", c.HeaderValue()).
		SetResult(&res).
		Get(u.String())
	if err != nil {
		return NewTransportError("auth check", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrTokenInvalid, resp.StatusCode())
	}
	if res.State != "valid" {
		return fmt.Errorf("%w: %s", ErrTokenInvalid, res.State)
	}
	if res.NewOne != "" {
		c.SetToken(res.NewOne)
	}
	return nil
}

// MarshalJSON redacts the token.
func (c *Credentials) MarshalJSON() ([]byte, error) {
	type redacted struct {
		Mode     Mode   `json:"mode"`
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	return json.Marshal(redacted{Mode: c.Mode(), Username: c.Username(), Token: "[REDACTED]"})
}

// String redacts the token to prevent accidental credential leaks in logs.
func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials{Mode:%s, Username:%s, Token:[REDACTED]}", c.Mode(), c.Username())
}

// GoString implements fmt.GoStringer to redact credentials from %#v.
func (c *Credentials) GoString() string { return c.String() }

// Format implements fmt.Formatter to redact credentials from all format verbs.
func (c *Credentials) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, c.String())
}
