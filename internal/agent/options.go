package agent

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/postalsys/fileferry/internal/client"
	"github.com/postalsys/fileferry/internal/config"
	"github.com/postalsys/fileferry/internal/crypto"
	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/metrics"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/session"
	"github.com/postalsys/fileferry/internal/transfer"
	"github.com/postalsys/fileferry/internal/transport"
)

// certCommonName names generated self-signed certificates.
const certCommonName = "fileferry"

// EndpointOptions derives the framing and timeout settings shared by every
// connection from cfg.
func EndpointOptions(cfg *config.Config) endpoint.Options {
	opts := endpoint.DefaultOptions()
	opts.Framing.DataSize = int(cfg.Protocol.DataSize)
	opts.Framing.PadPackets = cfg.Protocol.PadPackets
	opts.Framing.MaxMessageSize = int(cfg.Protocol.MaxMessageSize)
	opts.Framing.WriteTimeout = cfg.Timeouts.Send
	opts.ReceiveTimeout = cfg.Timeouts.Receive
	opts.ConnectTimeout = cfg.Timeouts.Connect
	return opts
}

// NewDialer builds a dialer for the named carrier. QUIC always uses TLS;
// TCP and WebSocket use it when tlsCfg.Enabled is set.
func NewDialer(carrier, path string, tlsCfg config.TLSConfig, cfg *config.Config) (transport.Dialer, error) {
	t, err := transport.ParseType(carrier)
	if err != nil {
		return nil, err
	}
	opts := transport.DefaultDialOptions()
	opts.Timeout = cfg.Timeouts.Connect
	opts.StrictVerify = tlsCfg.StrictVerify
	if path != "" {
		opts.Path = path
	}
	if tlsCfg.Enabled || t == transport.TypeQUIC {
		opts.TLSConfig, err = transport.ClientTLSConfig(tlsCfg.CA, tlsCfg.StrictVerify)
		if err != nil {
			return nil, fmt.Errorf("client TLS: %w", err)
		}
	}
	return transport.NewDialer(t, opts)
}

// ListenOptions builds listener options for the named carrier, generating
// a self-signed certificate when TLS is needed and no files are set.
func ListenOptions(carrier, path string, maxConns int, tlsCfg config.TLSConfig) (transport.Type, transport.ListenOptions, error) {
	t, err := transport.ParseType(carrier)
	if err != nil {
		return "", transport.ListenOptions{}, err
	}
	opts := transport.ListenOptions{
		MaxConnections: maxConns,
		Path:           path,
	}
	if tlsCfg.Enabled || t == transport.TypeQUIC {
		var tc *tls.Config
		tc, err = transport.ServerTLSConfig(tlsCfg.Cert, tlsCfg.Key, certCommonName)
		if err != nil {
			return "", transport.ListenOptions{}, fmt.Errorf("server TLS: %w", err)
		}
		opts.TLSConfig = tc
	}
	return t, opts, nil
}

// Authenticator builds the server authenticator from the auth section.
func Authenticator(cfg config.AuthConfig) (*session.Authenticator, error) {
	anonymous, err := session.ParseIdentity(cfg.AnonymousIdentity)
	if err != nil {
		return nil, fmt.Errorf("auth.anonymous_identity: %w", err)
	}
	users := make([]session.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		id, err := session.ParseIdentity(u.Identity)
		if err != nil {
			return nil, fmt.Errorf("auth user %s: %w", u.Name, err)
		}
		users = append(users, session.User{Name: u.Name, PasswordHash: u.PasswordHash, Identity: id})
	}
	return session.NewAuthenticator(users, anonymous), nil
}

// ClientOptions builds client options from the client section. A non-empty
// route overrides client.route.
func ClientOptions(cfg *config.Config, route string, logger *slog.Logger, m *metrics.Metrics) (client.Options, error) {
	if route == "" {
		route = cfg.Client.Route
	}
	if route == "" {
		return client.Options{}, fmt.Errorf("no route: set client.route or pass one")
	}
	r, err := protocol.ParseRoute(route)
	if err != nil {
		return client.Options{}, err
	}
	dialer, err := NewDialer(cfg.Client.Transport, cfg.Client.Path, cfg.Client.TLS, cfg)
	if err != nil {
		return client.Options{}, err
	}
	suite, err := crypto.ParseSuite(cfg.Auth.Encryption.Cipher)
	if err != nil {
		return client.Options{}, err
	}
	return client.Options{
		Route:             r,
		Dialer:            dialer,
		Endpoint:          EndpointOptions(cfg),
		Username:          cfg.Client.Username,
		Password:          cfg.Client.Password,
		Encrypt:           cfg.Auth.Encryption.Enabled,
		Cipher:            suite,
		RequestTimeout:    cfg.Timeouts.Request,
		ReconnectDelay:    cfg.Timeouts.ReconnectDelay,
		HeartbeatInterval: cfg.Monitor.HeartbeatInterval,
		Transport:         cfg.Client.Transport,
		Logger:            logger,
		Metrics:           m,
	}, nil
}

// TransferOptions builds transfer engine options from the transfer section.
func TransferOptions(cfg *config.Config, store *transfer.Store, logger *slog.Logger, m *metrics.Metrics) transfer.Options {
	opts := transfer.DefaultOptions()
	opts.SmallFileThreshold = int64(cfg.Transfer.SmallFileThreshold)
	opts.Workers = cfg.Transfer.ThreadLimit
	opts.BlockRetries = cfg.Transfer.BlockRetries
	opts.RateLimit = int64(cfg.Transfer.RateLimit)
	opts.ProgressInterval = cfg.Transfer.ProgressInterval
	opts.Store = store
	opts.Logger = logger
	opts.Metrics = m
	return opts
}
