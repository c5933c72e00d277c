package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const wellKnownPath = "/.well-known/openid-configuration"

// maxResponseBody bounds IdP response reads.
const maxResponseBody = 1 << 20

// Discovery is the subset of the IdP's openid-configuration document the
// gateway consumes. It is fetched once at startup and treated as static
// for the process lifetime.
type Discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
}

// Discover fetches the openid-configuration document for issuerURL.
// issuerURL may be the bare issuer or a full well-known URL.
func Discover(ctx context.Context, client *http.Client, issuerURL string) (*Discovery, error) {
	wellKnown := issuerURL
	if !strings.HasSuffix(issuerURL, wellKnownPath) {
		wellKnown = strings.TrimSuffix(issuerURL, "/") + wellKnownPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build discovery request: %v", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery fetch: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read discovery response: %v", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status=%d from %s", ErrDiscovery, resp.StatusCode, wellKnown)
	}

	var doc Discovery
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode discovery document: %v", ErrDiscovery, err)
	}

	if doc.Issuer == "" || doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return nil, fmt.Errorf("%w: document missing required endpoints", ErrDiscovery)
	}

	return &doc, nil
}
