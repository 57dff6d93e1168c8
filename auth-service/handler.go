package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/jwt/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/duet-app/duet-realtime/pkg/otelhelper"
)

// serviceAuthenticator validates backend service credentials.
type serviceAuthenticator interface {
	Authenticate(username, password string) bool
}

// AuthHandler answers NATS auth callout requests. Browser clients present a
// connection token resolved to topic grants; backend services present
// credentials checked against the service account cache.
type AuthHandler struct {
	issuerKP        nkeys.KeyPair
	xkeyKP          nkeys.KeyPair
	authorizer      *Authorizer
	serviceAccounts serviceAuthenticator
	issuerPub       string
	audience        string
	authCounter     metric.Int64Counter
	authDuration    metric.Float64Histogram
}

func NewAuthHandler(cfg Config, authorizer *Authorizer, accounts serviceAuthenticator, meter metric.Meter) (*AuthHandler, error) {
	issuerKP, err := nkeys.FromSeed([]byte(cfg.IssuerSeed))
	if err != nil {
		return nil, fmt.Errorf("parse issuer NKey seed: %w", err)
	}
	issuerPub, err := issuerKP.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("get issuer public key: %w", err)
	}
	xkeyKP, err := nkeys.FromSeed([]byte(cfg.XKeySeed))
	if err != nil {
		return nil, fmt.Errorf("parse XKey seed: %w", err)
	}

	authCounter, _ := meter.Int64Counter("auth_requests_total")
	authDuration, _ := meter.Float64Histogram("auth_request_duration_seconds")

	slog.Info("Auth handler initialized", "issuer", issuerPub)

	return &AuthHandler{
		issuerKP:        issuerKP,
		xkeyKP:          xkeyKP,
		authorizer:      authorizer,
		serviceAccounts: accounts,
		issuerPub:       issuerPub,
		audience:        cfg.Audience,
		authCounter:     authCounter,
		authDuration:    authDuration,
	}, nil
}

// resolvePermissions maps a connect attempt to a connection name, its
// permissions, and a result label. Deny is expressed as an explicit
// deny-all permission set, never as an unanswered request.
func (h *AuthHandler) resolvePermissions(ctx context.Context, opts jwt.ConnectOptions) (string, jwt.Permissions, string) {
	if opts.Token != "" {
		tok := ParseConnectionToken(opts.Token)
		grants := h.authorizer.ResolveGrants(ctx, opts.Token)
		if grants.Empty() {
			slog.WarnContext(ctx, "Token resolved to empty grants",
				"client_id", tok.ClientID, "kind", string(tok.Kind))
			return tok.ClientID, grants.Permissions(), "denied"
		}
		slog.InfoContext(ctx, "Token authorized",
			"client_id", tok.ClientID, "kind", string(tok.Kind), "scope", tok.Scope,
			"subscribe", len(grants.Subscribe), "publish", len(grants.Publish))
		return tok.ClientID, grants.Permissions(), "granted"
	}

	if opts.Username != "" && opts.Password != "" {
		if !h.serviceAccounts.Authenticate(opts.Username, opts.Password) {
			slog.WarnContext(ctx, "Invalid service credentials", "username", opts.Username)
			return opts.Username, Grants{}.Permissions(), "denied"
		}
		slog.InfoContext(ctx, "Service account authenticated", "username", opts.Username)
		return opts.Username, servicePermissions(), "granted"
	}

	slog.WarnContext(ctx, "No credentials presented")
	return "", Grants{}.Permissions(), "denied"
}

// Handle processes a single auth callout request message.
func (h *AuthHandler) Handle(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "auth callout")
	defer span.End()
	defer func() {
		h.authDuration.Record(ctx, time.Since(start).Seconds())
	}()

	serverXKey := msg.Header.Get("Nats-Server-Xkey")
	requestData, err := h.decryptRequest(msg.Data, serverXKey)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decrypt auth request", "error", err)
		span.RecordError(err)
		h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return
	}

	reqClaims, err := jwt.DecodeAuthorizationRequestClaims(string(requestData))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decode auth request claims", "error", err)
		span.RecordError(err)
		h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return
	}

	userNKey := reqClaims.UserNkey
	clientInfo := reqClaims.ClientInformation
	serverID := reqClaims.Server.ID
	if reqClaims.Server.XKey != "" {
		serverXKey = reqClaims.Server.XKey
	}

	// Grants are resolved from scratch on every request; nothing about a
	// previous connection is cached or trusted.
	name, perms, result := h.resolvePermissions(ctx, reqClaims.ConnectOptions)
	if name == "" {
		name = clientInfo.Name
	}
	span.SetAttributes(
		attribute.String("auth.result", result),
		attribute.String("auth.client", name),
	)

	userClaims := jwt.NewUserClaims(userNKey)
	userClaims.Name = name
	userClaims.Audience = h.audience
	userClaims.BearerToken = true
	userClaims.Permissions = perms
	userClaims.Expires = time.Now().Add(1 * time.Hour).Unix()

	userJWT, err := userClaims.Encode(h.issuerKP)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode user claims", "error", err)
		span.RecordError(err)
		h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return
	}

	response := jwt.NewAuthorizationResponseClaims(userNKey)
	response.Audience = serverID
	response.Jwt = userJWT

	responseJWT, err := response.Encode(h.issuerKP)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode auth response", "error", err)
		span.RecordError(err)
		h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return
	}

	responseData := []byte(responseJWT)
	if serverXKey != "" {
		encrypted, err := h.xkeyKP.Seal([]byte(responseJWT), serverXKey)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to encrypt auth response", "error", err)
			span.RecordError(err)
			h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
			return
		}
		responseData = encrypted
	}

	if err := msg.Respond(responseData); err != nil {
		slog.ErrorContext(ctx, "Failed to send auth response", "error", err)
		span.RecordError(err)
		h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return
	}

	h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// decryptRequest decrypts the callout payload when the server encrypts it
// with an XKey; plain JWTs pass through.
func (h *AuthHandler) decryptRequest(data []byte, serverXKey string) ([]byte, error) {
	if len(data) > 2 && data[0] == 'e' && data[1] == 'y' {
		return data, nil
	}
	decrypted, err := h.xkeyKP.Open(data, serverXKey)
	if err != nil {
		return nil, fmt.Errorf("xkey decryption failed: %w", err)
	}
	return decrypted, nil
}
