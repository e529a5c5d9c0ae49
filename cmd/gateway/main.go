// Package main is the entrypoint for the Gateway service: the client-facing
// process serving HTTP, SSE, and WebSocket traffic (spec.md §6). It is the
// composition root wiring the coordination store, relational store, rate
// limiter, LLM facade, node-palette engine, SMS code service, and request
// authenticator together, then mounting internal/httpapi and internal/wsapi
// onto the shared mux server.Run provides.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gorilla/websocket"

	"github.com/diagramflow/core/internal/authn"
	"github.com/diagramflow/core/internal/config"
	"github.com/diagramflow/core/internal/coordination"
	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/httpapi"
	"github.com/diagramflow/core/internal/llmfacade"
	"github.com/diagramflow/core/internal/palette"
	"github.com/diagramflow/core/internal/pgstore"
	"github.com/diagramflow/core/internal/ratelimit"
	"github.com/diagramflow/core/internal/server"
	"github.com/diagramflow/core/internal/smscode"
	"github.com/diagramflow/core/internal/tokenusage"
	"github.com/diagramflow/core/internal/wsapi"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return server.Run(ctx, server.Params{
		Name:           "gateway",
		PortFromConfig: func(cfg *config.Config) int { return cfg.Gateway.HTTPPort },
		Setup:          setup,
	}, server.Listeners{})
}

func setup(ctx context.Context, deps server.SetupDeps) (func(context.Context) error, error) {
	cfg := deps.Config
	logger := deps.Logger

	coordClient := coordination.NewClient(coordination.Config{
		Addr:         cfg.Redis.URL,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})
	coordStore := coordination.NewStore(coordClient.RDB)

	pgClient, err := pgstore.NewClient(ctx, pgstore.Config{
		DSN:          cfg.DB.DSN,
		PoolSize:     int32(cfg.DB.PoolSize),
		PoolOverflow: int32(cfg.DB.PoolOverflow),
	})
	if err != nil {
		return nil, fmt.Errorf("connect relational store: %w", err)
	}

	rlConfigs := make(map[string]ratelimit.ProviderConfig, len(cfg.Providers))
	for providerID, pc := range cfg.Providers {
		rlConfigs[providerID] = ratelimit.ProviderConfig{
			QPMLimit:        pc.QPMLimit,
			ConcurrentLimit: pc.ConcurrentLimit,
			Scope:           pc.Scope,
		}
	}
	limiters, err := ratelimit.NewRegistry(rlConfigs, coordStore, domain.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("build rate limiter registry: %w", err)
	}

	buffer := tokenusage.New(tokenusage.Config{
		Store:  coordStore,
		Logger: logger,
	})

	httpClient := &http.Client{Timeout: domain.LLMDefaultTimeout}
	facadeProviders := make([]llmfacade.Provider, 0, len(cfg.Providers))
	for providerID, pc := range cfg.Providers {
		var streamCaller llmfacade.StreamCaller
		if pc.Variant == "duplex" {
			streamCaller = &llmfacade.HTTPDuplexProvider{
				Endpoint: pc.Endpoint,
				APIKey:   pc.APIKey,
				Dial:     llmfacade.DefaultDialer,
			}
		} else {
			streamCaller = &llmfacade.HTTPStreamProvider{
				Endpoint: pc.Endpoint,
				Model:    pc.Model,
				APIKey:   pc.APIKey,
				Client:   httpClient,
			}
		}
		facadeProviders = append(facadeProviders, llmfacade.Provider{
			ID: providerID,
			OneShot: &llmfacade.HTTPOneShotProvider{
				Endpoint: pc.Endpoint,
				Model:    pc.Model,
				APIKey:   pc.APIKey,
				Client:   httpClient,
			},
			Stream: streamCaller,
		})
	}
	facade := llmfacade.New(llmfacade.Config{
		Providers: facadeProviders,
		Limiters:  limiters,
		Usage:     buffer,
		Logger:    logger,
		Clock:     domain.RealClock{},
	})

	paletteEngine := palette.NewEngine(facade)
	paletteMgr := palette.NewManager(domain.RealClock{}, domain.PaletteIdleExpiry)

	sweepStop := make(chan struct{})
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(domain.PaletteIdleExpiry / 2)
		defer ticker.Stop()
		for {
			select {
			case <-sweepStop:
				return
			case <-ticker.C:
				if n := paletteMgr.Sweep(); n > 0 {
					logger.Info("swept idle palette sessions", slog.Int("count", n))
				}
			}
		}
	}()

	var smsGateway authn.SMSProvider
	if cfg.SMS.UseLogGateway {
		smsGateway = smscode.NewLogGateway(logger)
	} else {
		snsClient, snsErr := newSNSClient(ctx, cfg)
		if snsErr != nil {
			return nil, fmt.Errorf("build sns client: %w", snsErr)
		}
		smsGateway = smscode.NewSNSGateway(snsClient)
	}
	smsService := smscode.New(smscode.Config{
		Store:   coordStore,
		Gateway: smsGateway,
		Pepper:  []byte(cfg.SMS.MACPepper.Expose()),
		Clock:   domain.RealClock{},
		Logger:  logger,
	})

	keyStore, err := buildKeyStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("load jwt public key: %w", err)
	}
	validator := authn.NewValidator(authn.ValidatorConfig{
		KeyStore: keyStore,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Clock:    domain.RealClock{},
	})
	authenticator := authn.NewAuthenticator(authn.AuthenticatorConfig{
		Validator: validator,
		Users:     pgClient.Users(),
		Orgs:      pgClient.Organizations(),
		ApiKeys:   pgClient.ApiKeys(),
		Clock:     domain.RealClock{},
	})

	httpapi.Mount(deps.HTTPMux, httpapi.Deps{
		Facade:        facade,
		PaletteEngine: paletteEngine,
		PaletteMgr:    paletteMgr,
		SMS:           smsService,
		Auth:          authenticator,
		Config:        cfg,
		Logger:        logger,
		Clock:         domain.RealClock{},
	})

	wsHandler := wsapi.NewHandler(wsapi.Deps{
		Facade:   facade,
		Auth:     authenticator,
		Logger:   logger,
		Upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	})
	deps.HTTPMux.Handle("/ws", wsHandler)

	cleanup := func(cleanupCtx context.Context) error {
		close(sweepStop)
		select {
		case <-sweepDone:
		case <-time.After(5 * time.Second):
			logger.WarnContext(cleanupCtx, "palette sweep goroutine did not stop within grace period")
		}
		pgClient.Close()
		if closeErr := coordClient.Close(); closeErr != nil {
			logger.WarnContext(cleanupCtx, "failed to close coordination client", slog.String("error", closeErr.Error()))
		}
		return nil
	}

	return cleanup, nil
}

// newSNSClient builds an SNS client from the process's default AWS config,
// pointed at cfg.AWS.Region (and cfg.AWS.Endpoint when set, for a local
// LocalStack target).
func newSNSClient(ctx context.Context, cfg *config.Config) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = &cfg.AWS.Endpoint
		}
	}), nil
}

// buildKeyStore parses cfg.Auth.JWTPublicKey (a PEM-encoded RSA public key)
// into the authn.KeyStore the validator needs. The gateway only ever holds
// the verification key, never the private key that mints tokens.
func buildKeyStore(cfg *config.Config) (authn.KeyStore, error) {
	block, _ := pem.Decode([]byte(cfg.Auth.JWTPublicKey))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in auth.jwt_public_key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth.jwt_public_key is not an RSA public key")
	}

	return authn.NewPublicKeyStore(rsaPub, cfg.Auth.JWTKeyID), nil
}
