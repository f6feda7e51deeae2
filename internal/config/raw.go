// Package config loads the JSON configuration file, applies the
// boolean-string coercion the file format allows, and compiles the
// result into the immutable ruleset.Table and ruleset.ReferrerList the
// rest of the proxy runs against.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// boolString accepts a JSON bool or a JSON string such as "true"/"1"
// (case-insensitive, surrounding whitespace trimmed); anything else is
// false. This is the only place in the system that sees the loose
// bool-or-string form described in the configuration file's schema.
type boolString bool

func (b *boolString) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = boolString(coerceBool(raw))
	return nil
}

func coerceBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1"
	default:
		return false
	}
}

// stringList accepts a single string, a comma-separated string, or a
// JSON array of strings, and always normalizes to a []string.
type stringList []string

func (sl *stringList) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case string:
		if strings.Contains(t, ",") {
			parts := strings.Split(t, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					out = append(out, p)
				}
			}
			*sl = out
		} else if t != "" {
			*sl = []string{t}
		}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		*sl = out
	}
	return nil
}

// rawProxyConfig mirrors the "proxyConfig" object of the configuration
// file exactly, field for field.
type rawProxyConfig struct {
	UseHTTPS             boolString `json:"useHTTPS"`
	Port                 int        `json:"port"`
	MustMatch            boolString `json:"mustMatch"`
	MatchAllReferrer     boolString `json:"matchAllReferrer"`
	LogFileName          string     `json:"logFileName"`
	LogFilePath          string     `json:"logFilePath"`
	LogLevel             string     `json:"logLevel"`
	LogToConsole         boolString `json:"logToConsole"`
	AllowedReferrers     stringList `json:"allowedReferrers"`
	ListenURI            stringList `json:"listenURI"`
	PingPath             string     `json:"pingPath"`
	StatusPath           string     `json:"statusPath"`
	HTTPSKeyFile         string     `json:"httpsKeyFile"`
	HTTPSCertificateFile string     `json:"httpsCertificateFile"`
	HTTPSPfxFile         string     `json:"httpsPfxFile"`
}

// rawServerURL mirrors one entry of the "serverUrls" array.
type rawServerURL struct {
	URL             string     `json:"url"`
	MatchAll        boolString `json:"matchAll"`
	HostRedirect    string     `json:"hostRedirect"`
	RateLimit       int        `json:"rateLimit"`
	RateLimitPeriod int        `json:"rateLimitPeriod"`
	Username        string     `json:"username"`
	Password        string     `json:"password"`
	TokenServiceURL string     `json:"tokenServiceUrl"`
	ClientID        string     `json:"clientId"`
	ClientSecret    string     `json:"clientSecret"`
	OAuth2Endpoint  string     `json:"oauth2Endpoint"`
	AccessToken     string     `json:"accessToken"`
	TokenParamName  string     `json:"tokenParamName"`
	Domain          string     `json:"domain"`
}

// rawFile mirrors the configuration file's top level.
type rawFile struct {
	ProxyConfig rawProxyConfig  `json:"proxyConfig"`
	ServerUrls  json.RawMessage `json:"serverUrls"`
}

// oldServerURLsWrapper is the older `{serverUrls:{serverUrl:{...}}}`
// layout that Load unwraps transparently.
type oldServerURLsWrapper struct {
	ServerURL json.RawMessage `json:"serverUrl"`
}

// parseServerURLs accepts either the current array-of-rules layout or
// the older single/array-wrapped-in-"serverUrl" layout.
func parseServerURLs(raw json.RawMessage) ([]rawServerURL, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asArray []rawServerURL
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}

	var wrapper oldServerURLsWrapper
	if err := json.Unmarshal(raw, &wrapper); err != nil || len(wrapper.ServerURL) == 0 {
		return nil, fmt.Errorf("config: serverUrls is neither an array nor a {serverUrl:...} object")
	}

	var nested []rawServerURL
	if err := json.Unmarshal(wrapper.ServerURL, &nested); err == nil {
		return nested, nil
	}

	var single rawServerURL
	if err := json.Unmarshal(wrapper.ServerURL, &single); err != nil {
		return nil, fmt.Errorf("config: serverUrl entry is neither an object nor an array: %w", err)
	}
	return []rawServerURL{single}, nil
}

// decode parses the raw JSON configuration file bytes into rawFile plus
// its normalized serverUrls slice.
func decode(data []byte) (rawFile, []rawServerURL, error) {
	var rf rawFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return rawFile{}, nil, fmt.Errorf("config: invalid JSON: %w", err)
	}
	urls, err := parseServerURLs(rf.ServerUrls)
	if err != nil {
		return rawFile{}, nil, err
	}
	return rf, urls, nil
}
