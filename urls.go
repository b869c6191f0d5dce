package gobox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Names of the service URLs.
const (
	URLSocketClient = "socketClient"
	URLLogin        = "login"
	URLAuthCheck    = "authCheck"
	URLReceiveFile  = "receiveFile"
	URLUploadFile   = "uploadFile"
)

// URLBuilder resolves named service URLs and appends query parameters.
type URLBuilder struct {
	mu   sync.RWMutex
	urls map[string]string
}

// NewURLBuilder returns a builder with the default service URLs of host.
func NewURLBuilder(host string) *URLBuilder {
	return &URLBuilder{urls: map[string]string{
		URLSocketClient: "wss://" + host + "/api/ws/client",
		URLLogin:        "https://" + host + "/api/user/login",
		URLAuthCheck:    "https://" + host + "/api/user/check",
		URLReceiveFile:  "https://" + host + "/api/transfer/fromStorage",
		URLUploadFile:   "https://" + host + "/api/transfer/toStorage",
	}}
}

// Load merges a YAML mapping of name to URL into the builder.
func (b *URLBuilder) Load(r io.Reader) error {
	var urls map[string]string
	if err := yaml.NewDecoder(r).Decode(&urls); err != nil && err != io.EOF {
		return fmt.Errorf("decode url templates: %w", err)
	}
	return b.Merge(urls)
}

// Merge adds every entry of urls, replacing existing names.
func (b *URLBuilder) Merge(urls map[string]string) error {
	for key, raw := range urls {
		if err := b.Add(key, raw); err != nil {
			return err
		}
	}
	return nil
}

// Add registers or replaces the URL called key.
func (b *URLBuilder) Add(key, rawURL string) error {
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("url %q: %w", key, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.urls == nil {
		b.urls = make(map[string]string)
	}
	b.urls[key] = rawURL
	return nil
}

// Remove forgets the URL called key.
func (b *URLBuilder) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.urls, key)
}

// Keys returns the registered names in sorted order.
func (b *URLBuilder) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.urls))
	for k := range b.urls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the URL called key.
func (b *URLBuilder) Get(key string) (*url.URL, error) {
	raw, err := b.raw(key)
	if err != nil {
		return nil, err
	}
	return url.Parse(raw)
}

// WithParams returns the URL called key with params appended as a query.
// params must encode to a JSON object. Each member becomes one parameter
// whose value is the member's JSON text; with single set the whole object is
// sent as one "json" parameter instead.
func (b *URLBuilder) WithParams(key string, params interface{}, single bool) (*url.URL, error) {
	raw, err := b.raw(key)
	if err != nil {
		return nil, err
	}
	query, err := encodeParams(params, single)
	if err != nil {
		return nil, fmt.Errorf("url %q: %w", key, err)
	}
	if query != "" {
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		raw += sep + query
	}
	return url.Parse(raw)
}

func (b *URLBuilder) raw(key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	raw, ok := b.urls[key]
	if !ok {
		return "", fmt.Errorf("unknown url %q", key)
	}
	return raw, nil
}

func encodeParams(params interface{}, single bool) (string, error) {
	if params == nil {
		return "", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	if single {
		return "json=" + url.QueryEscape(string(data)), nil
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return "", fmt.Errorf("params must be a JSON object: %w", err)
	}
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		var compact bytes.Buffer
		if err := json.Compact(&compact, members[k]); err != nil {
			return "", err
		}
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(compact.String()))
	}
	return sb.String(), nil
}
