package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/recovery"
	"github.com/postalsys/fileferry/internal/transport"
)

// MaintainerOptions configures a Maintainer.
type MaintainerOptions struct {
	Dialer       transport.Dialer
	RelayAddress string
	Name         string

	// Serve takes over each reverse connection once it is attached.
	Serve func(ctx context.Context, conn net.Conn)

	Endpoint    endpoint.Options
	PollTimeout time.Duration
	Backoff     endpoint.BackoffConfig
	Logger      *slog.Logger
}

// Maintainer keeps a hidden host registered at a relay and dials back
// one connection for every client the relay queues for it.
type Maintainer struct {
	opts    MaintainerOptions
	logger  *slog.Logger
	backoff *endpoint.Backoff
}

// NewMaintainer creates a maintainer. Run starts it.
func NewMaintainer(opts MaintainerOptions) (*Maintainer, error) {
	if opts.Dialer == nil || opts.Serve == nil {
		return nil, fmt.Errorf("maintainer needs a dialer and a serve function")
	}
	if opts.Name == "" || opts.RelayAddress == "" {
		return nil, fmt.Errorf("maintainer needs a name and a relay address")
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	// Polls are held open by the relay for up to PollTimeout.
	if floor := opts.PollTimeout + 10*time.Second; opts.Endpoint.ReceiveTimeout < floor {
		opts.Endpoint.ReceiveTimeout = floor
	}
	if opts.Backoff.InitialDelay <= 0 {
		opts.Backoff = endpoint.DefaultBackoffConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Maintainer{
		opts: opts,
		logger: opts.Logger.With(logging.KeyComponent, "reverse",
			logging.KeyName, opts.Name, logging.KeyAddress, opts.RelayAddress),
		backoff: endpoint.NewBackoff(opts.Backoff),
	}, nil
}

// Run registers and polls until ctx is cancelled, reconnecting with
// backoff whenever the registration is lost.
func (m *Maintainer) Run(ctx context.Context) error {
	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("reverse registration lost", logging.Err(err),
			"attempt", m.backoff.Attempts()+1)
		if err := m.backoff.Wait(ctx); err != nil {
			return err
		}
	}
}

func (m *Maintainer) session(ctx context.Context) error {
	opts := m.opts.Endpoint
	opts.Proxied = true
	ep, err := endpoint.Dial(ctx, m.opts.Dialer, m.opts.RelayAddress, opts)
	if err != nil {
		return err
	}
	defer ep.Close()
	stop := context.AfterFunc(ctx, func() { ep.Abort() })
	defer stop()

	resp, err := ep.Exchange(&protocol.ReverseRegisterRequest{Name: m.opts.Name}, 0)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := resultErr(resp); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	m.logger.Info("registered at relay")
	m.backoff.Reset()

	for {
		resp, err := ep.Exchange(&protocol.ReversePollRequest{Name: m.opts.Name}, 0)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if err := resultErr(resp); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		poll, ok := resp.(*protocol.ReversePollResponse)
		if !ok {
			return fmt.Errorf("poll: unexpected %s", resp.Type())
		}
		for i := int32(0); i < poll.Pending; i++ {
			recovery.Go(m.logger, "reverse.attach", func() { m.attach(ctx) })
		}
	}
}

// attach dials a fresh connection, claims one queued client with it and
// hands it to Serve.
func (m *Maintainer) attach(ctx context.Context) {
	opts := m.opts.Endpoint
	opts.Proxied = true
	ep, err := endpoint.Dial(ctx, m.opts.Dialer, m.opts.RelayAddress, opts)
	if err != nil {
		m.logger.Warn("reverse dial failed", logging.Err(err))
		return
	}
	if err := ep.SendMessage(&protocol.ReverseAttachRequest{Name: m.opts.Name}, 0); err != nil {
		m.logger.Warn("reverse attach failed", logging.Err(err))
		ep.Abort()
		return
	}
	m.logger.Debug("reverse connection attached")
	m.opts.Serve(ctx, ep.Conn())
}

func resultErr(m protocol.Message) error {
	res, ok := protocol.ResultOf(m)
	if !ok {
		return nil
	}
	return res.Err()
}
