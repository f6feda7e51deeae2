package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jf990/resource-proxy/internal/ruleset"
	"github.com/jf990/resource-proxy/internal/urlflex"
)

// tokenResponse is the shape of both the portal-token-exchange and the
// user-login token service responses: {"token": "...", "expires": ...}.
// expires, when present, is milliseconds since the Unix epoch.
type tokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r tokenResponse) expiresAt(fallback time.Time) time.Time {
	if r.Expires > 0 {
		return time.UnixMilli(r.Expires)
	}
	return fallback
}

func (b *Broker) acquireAppLogin(ctx context.Context, rule *ruleset.ServiceRule) (cacheEntry, error) {
	creds := rule.Credentials
	cc := &clientcredentials.Config{
		ClientID:       creds.ClientID,
		ClientSecret:   creds.ClientSecret,
		TokenURL:       strings.TrimRight(creds.OAuth2Endpoint, "/") + "/token",
		EndpointParams: url.Values{"f": {"json"}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, b.client)
	tok, err := cc.Token(oauthCtx)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("app login token exchange: %w", err)
	}

	if !sameHost(rule.URL, creds.OAuth2Endpoint) {
		// rule.url belongs to a portal, not the OAuth issuer: exchange
		// the issuer's token for a portal-scoped one.
		return b.exchangePortalToken(ctx, rule, tok.AccessToken)
	}
	return cacheEntry{token: tok.AccessToken, expiresAt: tok.Expiry}, nil
}

func (b *Broker) exchangePortalToken(ctx context.Context, rule *ruleset.ServiceRule, issuerToken string) (cacheEntry, error) {
	endpoint := strings.TrimRight(rule.Credentials.OAuth2Endpoint, "/") + "/generateToken"
	form := url.Values{
		"token":     {issuerToken},
		"serverURL": {rule.URL},
		"f":         {"json"},
	}

	resp, err := b.postForm(ctx, endpoint, form)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("portal token exchange: %w", err)
	}
	if resp.Token == "" {
		return cacheEntry{}, fmt.Errorf("portal token exchange: %s", responseErrorMessage(resp))
	}
	return cacheEntry{token: resp.Token, expiresAt: resp.expiresAt(b.now().Add(time.Hour))}, nil
}

func (b *Broker) acquireUserLogin(ctx context.Context, rule *ruleset.ServiceRule) (cacheEntry, error) {
	creds := rule.Credentials

	tokenServiceURL := creds.TokenServiceURL
	if tokenServiceURL == "" {
		discovered, err := b.discoverTokenServiceURL(ctx, rule.URL)
		if err != nil {
			return cacheEntry{}, fmt.Errorf("discover token service: %w", err)
		}
		tokenServiceURL = discovered
	}

	const expirationMinutes = 60
	form := url.Values{
		"request":    {"getToken"},
		"referer":    {b.ProxyReferer},
		"expiration": {fmt.Sprintf("%d", expirationMinutes)},
		"username":   {creds.Username},
		"password":   {creds.Password},
		"f":          {"json"},
	}

	resp, err := b.postForm(ctx, tokenServiceURL, form)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("user login: %w", err)
	}
	if resp.Token == "" {
		return cacheEntry{}, fmt.Errorf("user login: %s", responseErrorMessage(resp))
	}
	return cacheEntry{token: resp.Token, expiresAt: resp.expiresAt(b.now().Add(time.Duration(expirationMinutes) * time.Minute))}, nil
}

// discoverTokenServiceURL probes <base>/rest/info?f=json, where base is
// the URL truncated at the first "/rest/" or "/sharing/" segment, and
// extracts tokenServicesUrl, falling back to synthesizing
// <owningSystemUrl>/sharing/generateToken.
func (b *Broker) discoverTokenServiceURL(ctx context.Context, ruleURL string) (string, error) {
	base := ownerBase(ruleURL)
	infoURL := base + "/rest/info?f=json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var info struct {
		TokenServicesURL string `json:"tokenServicesUrl"`
		OwningSystemURL  string `json:"owningSystemUrl"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("parsing /rest/info response: %w", err)
	}

	if info.TokenServicesURL != "" {
		return info.TokenServicesURL, nil
	}
	if info.OwningSystemURL != "" {
		return strings.TrimRight(info.OwningSystemURL, "/") + "/sharing/generateToken", nil
	}
	return "", fmt.Errorf("/rest/info response had neither tokenServicesUrl nor owningSystemUrl")
}

// ownerBase truncates a URL at the first occurrence of "/rest/" or
// "/sharing/", whichever comes first.
func ownerBase(u string) string {
	restIdx := strings.Index(u, "/rest/")
	sharingIdx := strings.Index(u, "/sharing/")

	switch {
	case restIdx < 0 && sharingIdx < 0:
		return u
	case restIdx < 0:
		return u[:sharingIdx]
	case sharingIdx < 0:
		return u[:restIdx]
	case restIdx < sharingIdx:
		return u[:restIdx]
	default:
		return u[:sharingIdx]
	}
}

// sameHost compares the full authority (hostname and port), not just the
// hostname: an ArcGIS Enterprise deployment commonly runs Portal and
// ArcGIS Server on the same host at different ports, and those are
// different services for token-exchange purposes.
func sameHost(a, b string) bool {
	pa := urlflex.ParseAndFixURLParts(a)
	pb := urlflex.ParseAndFixURLParts(b)
	return strings.EqualFold(pa.Hostname, pb.Hostname) && pa.Port == pb.Port
}

func (b *Broker) postForm(ctx context.Context, endpoint string, form url.Values) (tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return tokenResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenResponse{}, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenResponse{}, fmt.Errorf("decoding token response: %w", err)
	}
	return tr, nil
}

func responseErrorMessage(resp tokenResponse) string {
	if resp.Error != nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return "no token in response"
}
