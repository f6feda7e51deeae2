package config

import (
	"fmt"

	"github.com/jf990/resource-proxy/internal/logging"
	"github.com/jf990/resource-proxy/internal/ruleset"
	"github.com/jf990/resource-proxy/internal/urlflex"
)

// ProxyConfig is the compiled, immutable configuration the rest of the
// proxy runs against. It is the "compiled rule record" the teacher's
// dynamic rule objects are split into, per the static-language guidance
// in spec.md's design notes.
type ProxyConfig struct {
	UseHTTPS  bool
	Port      int
	MustMatch bool

	ListenURIs []string
	PingPath   string
	StatusPath string

	LogLevel     logging.Level
	LogToConsole bool
	LogFilePath  string
	LogFileName  string

	HTTPSKeyFile         string
	HTTPSCertificateFile string
	HTTPSPfxFile         string

	Referrers *ruleset.ReferrerList
	Rules     *ruleset.Table
}

const (
	defaultPingPath   = "/ping"
	defaultStatusPath = "/status"
	defaultPort       = 8080
	defaultTokenParam = "token"
)

// Load reads and compiles a configuration file's bytes in one step.
func Load(data []byte) (*ProxyConfig, error) {
	rf, urls, err := decode(data)
	if err != nil {
		return nil, err
	}
	return compile(rf, urls)
}

func compile(rf rawFile, urls []rawServerURL) (*ProxyConfig, error) {
	pc := &ProxyConfig{
		UseHTTPS:             bool(rf.ProxyConfig.UseHTTPS),
		Port:                 rf.ProxyConfig.Port,
		MustMatch:            bool(rf.ProxyConfig.MustMatch),
		ListenURIs:           []string(rf.ProxyConfig.ListenURI),
		PingPath:             rf.ProxyConfig.PingPath,
		StatusPath:           rf.ProxyConfig.StatusPath,
		LogLevel:             logging.ParseLevel(rf.ProxyConfig.LogLevel),
		LogToConsole:         bool(rf.ProxyConfig.LogToConsole),
		LogFilePath:          rf.ProxyConfig.LogFilePath,
		LogFileName:          rf.ProxyConfig.LogFileName,
		HTTPSKeyFile:         rf.ProxyConfig.HTTPSKeyFile,
		HTTPSCertificateFile: rf.ProxyConfig.HTTPSCertificateFile,
		HTTPSPfxFile:         rf.ProxyConfig.HTTPSPfxFile,
	}
	if pc.Port == 0 {
		pc.Port = defaultPort
	}
	if pc.PingPath == "" {
		pc.PingPath = defaultPingPath
	}
	if pc.StatusPath == "" {
		pc.StatusPath = defaultStatusPath
	}

	referrers := []string(rf.ProxyConfig.AllowedReferrers)
	if bool(rf.ProxyConfig.MatchAllReferrer) {
		referrers = []string{"*"}
	}
	pc.Referrers = ruleset.NewReferrerList(referrers)

	rules := make([]ruleset.ServiceRule, 0, len(urls))
	for i, u := range urls {
		rule, err := compileRule(i, u)
		if err != nil {
			return nil, fmt.Errorf("config: serverUrls[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	pc.Rules = ruleset.NewTable(rules)

	return pc, nil
}

func compileRule(index int, raw rawServerURL) (ruleset.ServiceRule, error) {
	if raw.URL == "" {
		return ruleset.ServiceRule{}, fmt.Errorf("url is required")
	}

	rule := ruleset.ServiceRule{
		Index:    index,
		URL:      raw.URL,
		Parsed:   urlflex.ParseAndFixURLParts(raw.URL),
		MatchAll: bool(raw.MatchAll),
		Domain:   raw.Domain,
	}

	rule.TokenParamName = raw.TokenParamName
	if rule.TokenParamName == "" {
		rule.TokenParamName = defaultTokenParam
	}

	rule.Credentials = compileCredentials(raw)

	rule.RateLimit = raw.RateLimit
	rule.RateLimitPeriod = raw.RateLimitPeriod
	if rule.RateLimit > 0 && rule.RateLimitPeriod > 0 {
		rule.Rate = float64(rule.RateLimit) / float64(rule.RateLimitPeriod) / 60.0
		rule.RatePeriodSeconds = 1.0 / rule.Rate
		rule.UseRateMeter = true
	}

	if raw.HostRedirect != "" {
		parsed := urlflex.ParseAndFixURLParts(raw.HostRedirect)
		rule.HostRedirect = &parsed
		rule.HostRedirectURL = raw.HostRedirect
	}

	return rule, nil
}

func compileCredentials(raw rawServerURL) ruleset.Credentials {
	switch {
	case raw.AccessToken != "":
		return ruleset.Credentials{
			Kind:        ruleset.CredStaticToken,
			AccessToken: raw.AccessToken,
		}
	case raw.ClientID != "" && raw.ClientSecret != "" && raw.OAuth2Endpoint != "":
		return ruleset.Credentials{
			Kind:           ruleset.CredAppLogin,
			ClientID:       raw.ClientID,
			ClientSecret:   raw.ClientSecret,
			OAuth2Endpoint: raw.OAuth2Endpoint,
		}
	case raw.Username != "" && raw.Password != "":
		return ruleset.Credentials{
			Kind:            ruleset.CredUserLogin,
			Username:        raw.Username,
			Password:        raw.Password,
			TokenServiceURL: raw.TokenServiceURL,
		}
	default:
		return ruleset.Credentials{Kind: ruleset.CredNone}
	}
}
