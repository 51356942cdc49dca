// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app defines the authframed CLI: a small development
// authorization server wired from the framework packages.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authframe/pkg/logger"
	"github.com/stacklok/authframe/pkg/metrics"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server"
	"github.com/stacklok/authframe/pkg/server/handlers"
	"github.com/stacklok/authframe/pkg/server/host"
	"github.com/stacklok/authframe/pkg/server/keys"
	"github.com/stacklok/authframe/pkg/storage"
	"github.com/stacklok/authframe/pkg/storage/memory"
	"github.com/stacklok/authframe/pkg/storage/redisstore"
)

// NewRootCommand creates the root command for authframed.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "authframed",
		Short: "Development OAuth 2.0 / OpenID Connect authorization server",
		Long: `authframed runs a development authorization server built on the
authframe protocol engine, with an ephemeral signing key, in-memory or
Redis storage and a single pre-registered client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		RunE:  runServe,
	}

	flags := serveCmd.Flags()
	flags.String("address", "127.0.0.1:8080", "Listen address")
	flags.String("issuer", "http://127.0.0.1:8080", "Issuer identifier")
	flags.String("redis-addr", "", "Redis address; empty selects in-memory storage")
	flags.String("client-id", "demo-client", "Pre-registered client identifier")
	flags.String("client-secret", "", "Pre-registered client secret; empty registers a public client")
	flags.StringSlice("redirect-uri", []string{"http://127.0.0.1:8081/callback"}, "Registered redirect URIs")
	flags.String("metrics-address", "", "Prometheus listen address; empty disables metrics")

	for _, name := range []string{"address", "issuer", "redis-addr", "client-id", "client-secret", "redirect-uri", "metrics-address"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("AUTHFRAMED")
	viper.AutomaticEnv()

	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, cleanup, err := buildStores(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	options, err := buildOptions()
	if err != nil {
		return err
	}

	if err := registerDemoClient(ctx, stores); err != nil {
		return err
	}

	m := metrics.New()
	srv, err := server.New(options, stores,
		server.WithLogger(logger.Get()),
		server.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	handler := host.New(srv, host.WithMetrics(m))
	address := viper.GetString("address")
	httpServer := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if metricsAddress := viper.GetString("metrics-address"); metricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer := &http.Server{
				Addr:              metricsAddress,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("metrics server failed", "error", err.Error())
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Infow("authorization server listening",
		"address", address,
		"issuer", viper.GetString("issuer"),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func buildStores(ctx context.Context) (*storage.Stores, func(), error) {
	if addr := viper.GetString("redis-addr"); addr != "" {
		redisStorage, err := redisstore.New(ctx, redisstore.Config{
			Addr:      addr,
			KeyPrefix: "authframe:",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return redisStorage.Stores(), func() { _ = redisStorage.Close() }, nil
	}
	memoryStorage := memory.New()
	return memoryStorage.Stores(), memoryStorage.Stop, nil
}

func buildOptions() (*server.Options, error) {
	signing, err := keys.GenerateSigningCredential("")
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing credential: %w", err)
	}
	encryption, err := keys.GenerateEncryptionCredential()
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption credential: %w", err)
	}
	logger.Warn("using ephemeral keys: every issued token dies with this process")

	return &server.Options{
		Issuer: viper.GetString("issuer"),
		EndpointURIs: map[oauth.Endpoint][]string{
			oauth.EndpointAuthorization: {"/authorize"},
			oauth.EndpointToken:         {"/token"},
			oauth.EndpointDevice:        {"/device"},
			oauth.EndpointVerification:  {"/device/verify"},
			oauth.EndpointIntrospection: {"/introspect"},
			oauth.EndpointRevocation:    {"/revoke"},
			oauth.EndpointUserinfo:      {"/userinfo"},
			oauth.EndpointConfiguration: {oauth.WellKnownOIDCPath},
			oauth.EndpointCryptography:  {oauth.WellKnownJWKSPath},
			oauth.EndpointLogout:        {"/logout"},
		},
		GrantTypes: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeClientCredentials,
			oauth.GrantTypeDeviceCode,
			oauth.GrantTypeRefreshToken,
		},
		Scopes:                []string{oauth.ScopeProfile, oauth.ScopeEmail},
		SigningCredentials:    []*keys.SigningCredential{signing},
		EncryptionCredentials: []*keys.EncryptionCredential{encryption},
		UseRollingRefreshTokens: true,
		Handlers:              handlers.Descriptors(),
	}, nil
}

func registerDemoClient(ctx context.Context, stores *storage.Stores) error {
	clientID := viper.GetString("client-id")
	secret := viper.GetString("client-secret")

	app := &storage.Application{
		ClientID:    clientID,
		DisplayName: "Demo client",
		Type:        oauth.ClientTypePublic,
		EndpointPermissions: []oauth.Endpoint{
			oauth.EndpointAuthorization,
			oauth.EndpointToken,
			oauth.EndpointDevice,
			oauth.EndpointIntrospection,
			oauth.EndpointRevocation,
		},
		GrantTypePermissions: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeClientCredentials,
			oauth.GrantTypeDeviceCode,
			oauth.GrantTypeRefreshToken,
		},
		ScopePermissions: []string{oauth.ScopeProfile, oauth.ScopeEmail},
		RedirectURIs:     viper.GetStringSlice("redirect-uri"),
	}
	if secret != "" {
		app.Type = oauth.ClientTypeConfidential
		app.ClientSecret = secret
	}

	if err := stores.Applications.Create(ctx, app); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return fmt.Errorf("failed to register demo client: %w", err)
	}
	logger.Infow("registered demo client", "client_id", clientID, "type", string(app.Type))
	return nil
}
