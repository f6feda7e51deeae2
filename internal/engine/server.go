package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/jf990/resource-proxy/internal/config"
)

// Serve starts the HTTP (or HTTPS) listener for the engine's current
// configuration and blocks until ctx is cancelled, at which point it
// drives a graceful shutdown with a bounded timeout, mirroring the
// teacher's start/shutdown split between a long-lived goroutine and a
// context-triggered Shutdown call.
func (e *Engine) Serve(ctx context.Context) error {
	cfg := e.Current()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: e,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.UseHTTPS {
			tlsConfig, tlsErr := buildTLSConfig(cfg)
			if tlsErr != nil {
				errCh <- tlsErr
				return
			}
			server.TLSConfig = tlsConfig
			e.logger.Info().Int("port", cfg.Port).Msg("listening (TLS)")
			err = server.ListenAndServeTLS("", "")
		} else {
			e.logger.Info().Int("port", cfg.Port).Msg("listening")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.logger.Info().Msg("shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// buildTLSConfig loads the configured certificate, preferring a PFX blob
// (decoded with golang.org/x/crypto/pkcs12) when httpsPfxFile is set, and
// falling back to a key+cert pair otherwise.
func buildTLSConfig(cfg *config.ProxyConfig) (*tls.Config, error) {
	var cert tls.Certificate

	switch {
	case cfg.HTTPSPfxFile != "":
		pfxData, err := os.ReadFile(cfg.HTTPSPfxFile)
		if err != nil {
			return nil, fmt.Errorf("reading pfx file: %w", err)
		}
		key, leaf, err := pkcs12.Decode(pfxData, "")
		if err != nil {
			return nil, fmt.Errorf("decoding pfx file: %w", err)
		}
		cert = tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}
	case cfg.HTTPSKeyFile != "" && cfg.HTTPSCertificateFile != "":
		loaded, err := tls.LoadX509KeyPair(cfg.HTTPSCertificateFile, cfg.HTTPSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading key/cert pair: %w", err)
		}
		cert = loaded
	default:
		return nil, errors.New("useHTTPS is set but no httpsPfxFile or httpsKeyFile/httpsCertificateFile pair was configured")
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
