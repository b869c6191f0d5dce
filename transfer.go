package gobox

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
)

// ConnectionMode selects the route file content takes.
type ConnectionMode string

const (
	// BridgeMode relays transfers through the service.
	BridgeMode ConnectionMode = "BRIDGE_MODE"

	// DirectMode talks to the storage on its public address.
	DirectMode ConnectionMode = "DIRECT_MODE"

	// LocalDirectMode talks to the storage on its LAN address.
	LocalDirectMode ConnectionMode = "LOCAL_DIRECT_MODE"
)

// ParseConnectionMode accepts the mode names and the short forms "bridge",
// "direct" and "local".
func ParseConnectionMode(s string) (ConnectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bridge", "bridge_mode":
		return BridgeMode, nil
	case "direct", "direct_mode":
		return DirectMode, nil
	case "local", "local_direct", "local_direct_mode":
		return LocalDirectMode, nil
	}
	return "", fmt.Errorf("unknown connection mode %q", s)
}

// TransferAction is the direction of a transfer.
type TransferAction int

const (
	Download TransferAction = iota
	Upload
)

var (
	errBridgeAuthHeader = errors.New("bridge mode uses the credentials token")
	errCertMismatch     = errors.New("certificate does not match the pinned storage certificate")
)

// TransferProfile describes how file content reaches the storage in one
// ConnectionMode: which URLs, which authorization and which TLS trust.
type TransferProfile struct {
	mode       ConnectionMode
	urls       *URLBuilder
	http       *resty.Client
	authHeader string
}

// NewBridgeProfile returns the profile relaying through the service. Requests
// are authorized by creds through an OAuth2 transport over base.
func NewBridgeProfile(urls *URLBuilder, creds *Credentials, base http.RoundTripper) *TransferProfile {
	return &TransferProfile{
		mode: BridgeMode,
		urls: urls,
		http: resty.NewWithClient(creds.HTTPClient(base)),
	}
}

// NewDirectProfile returns a profile talking to the storage at base, for
// example "https://10.0.0.2:8443/". The transfer URLs are registered on urls
// under the mode specific names.
func NewDirectProfile(urls *URLBuilder, mode ConnectionMode, base string, tlsConfig *tls.Config) (*TransferProfile, error) {
	if mode == BridgeMode {
		return nil, fmt.Errorf("direct profile: invalid mode %s", mode)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if err := urls.Add(transferKey(Download, mode), base+"fromStorage"); err != nil {
		return nil, err
	}
	if err := urls.Add(transferKey(Upload, mode), base+"toStorage"); err != nil {
		return nil, err
	}
	client := resty.New()
	if tlsConfig != nil {
		client.SetTLSClientConfig(tlsConfig)
	}
	return &TransferProfile{mode: mode, urls: urls, http: client}, nil
}

// Mode returns the connection mode of the profile.
func (p *TransferProfile) Mode() ConnectionMode {
	return p.mode
}

// SetAuthHeader sets the Authorization header of a direct profile.
func (p *TransferProfile) SetAuthHeader(value string) error {
	if p.mode == BridgeMode {
		return errBridgeAuthHeader
	}
	p.authHeader = value
	return nil
}

// URL returns the transfer URL for action with params appended.
func (p *TransferProfile) URL(action TransferAction, params interface{}, single bool) (*url.URL, error) {
	return p.urls.WithParams(transferKey(action, p.mode), params, single)
}

// Download streams the content selected by params into w.
func (p *TransferProfile) Download(ctx context.Context, params interface{}, w io.Writer) (int64, error) {
	u, err := p.URL(Download, params, false)
	if err != nil {
		return 0, err
	}
	resp, err := p.request(ctx).SetDoNotParseResponse(true).Get(u.String())
	if err != nil {
		return 0, NewTransportError("download", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return 0, NewTransportError("download", fmt.Errorf("status %d", resp.StatusCode()))
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, NewTransportError("download", err)
	}
	return n, nil
}

// Upload streams r to the storage. params travel as a single json parameter.
func (p *TransferProfile) Upload(ctx context.Context, params interface{}, r io.Reader, mime string) error {
	u, err := p.URL(Upload, params, true)
	if err != nil {
		return err
	}
	req := p.request(ctx).SetBody(r)
	if mime != "" {
		req.SetHeader("Content-Type", mime)
	}
	resp, err := req.Post(u.String())
	if err != nil {
		return NewTransportError("upload", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return NewTransportError("upload", fmt.Errorf("status %d", resp.StatusCode()))
	}
	return nil
}

func (p *TransferProfile) request(ctx context.Context) *resty.Request {
	req := p.http.R().SetContext(ctx)
	if p.authHeader != "" {
		req.SetHeader("Authorization", p.authHeader)
	}
	return req
}

func transferKey(action TransferAction, mode ConnectionMode) string {
	key := URLReceiveFile
	if action == Upload {
		key = URLUploadFile
	}
	if mode != BridgeMode {
		key += string(mode)
	}
	return key
}

// directLoginInfo is the answer to the "directLogin" query: where the storage
// listens, its certificate and a one time token.
type directLoginInfo struct {
	LocalIP        string          `json:"localIP"`
	PublicIP       string          `json:"publicIP"`
	Port           flexString      `json:"port"`
	Certificate    json.RawMessage `json:"certificate"`
	TemporaryToken string          `json:"temporaryToken"`
}

// baseURL returns the https base of the storage for mode.
func (info directLoginInfo) baseURL(mode ConnectionMode) (string, error) {
	ip := info.PublicIP
	if mode == LocalDirectMode {
		ip = info.LocalIP
	}
	if ip == "" || info.Port == "" {
		return "", fmt.Errorf("storage did not report an address for %s", mode)
	}
	return "https://" + net.JoinHostPort(ip, string(info.Port)) + "/", nil
}

// negotiateDirectProfile builds the profile for a direct mode: it pins the
// storage certificate and trades the temporary token for a bearer token.
func negotiateDirectProfile(ctx context.Context, urls *URLBuilder, mode ConnectionMode, info directLoginInfo) (*TransferProfile, error) {
	base, err := info.baseURL(mode)
	if err != nil {
		return nil, err
	}
	der, err := decodeCertificate(info.Certificate)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := pinnedTLSConfig(der)
	if err != nil {
		return nil, err
	}
	profile, err := NewDirectProfile(urls, mode, base, tlsConfig)
	if err != nil {
		return nil, err
	}

	var res struct {
		Token string `json:"token"`
	}
	resp, err := profile.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"temporaryToken": info.TemporaryToken,
			"cookie":         false,
		}).
		SetResult(&res).
		Post(base + "directLogin")
	if err != nil {
		return nil, NewTransportError("direct login", err)
	}
	if resp.StatusCode() != http.StatusOK || res.Token == "" {
		return nil, fmt.Errorf("direct login refused: status %d", resp.StatusCode())
	}
	if err := profile.SetAuthHeader("Bearer " + res.Token); err != nil {
		return nil, err
	}
	return profile, nil
}

// pinnedTLSConfig trusts exactly the given self-signed certificate. The
// storage is reached by IP, so the host name is not verified.
func pinnedTLSConfig(der []byte) (*tls.Config, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse storage certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // replaced by the leaf comparison below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], cert.Raw) {
				return errCertMismatch
			}
			return nil
		},
	}, nil
}

// decodeCertificate accepts a DER certificate encoded either as a base64
// string or as a JSON array of signed bytes.
func decodeCertificate(raw json.RawMessage) ([]byte, error) {
	if isNullPayload(raw) {
		return nil, errors.New("storage certificate missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode storage certificate: %w", err)
		}
		return der, nil
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("decode storage certificate: %w", err)
	}
	der := make([]byte, len(ints))
	for i, v := range ints {
		if v < -128 || v > 255 {
			return nil, fmt.Errorf("decode storage certificate: byte %d out of range", v)
		}
		der[i] = byte(v)
	}
	return der, nil
}

// flexString decodes a JSON string or number into its text.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = flexString(num.String())
	return nil
}
