package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/postalsys/fileferry/internal/crypto"
	"github.com/postalsys/fileferry/internal/endpoint"
	"github.com/postalsys/fileferry/internal/logging"
	"github.com/postalsys/fileferry/internal/protocol"
)

// dial opens a connection along the route and runs the lockstep
// handshake: circuit set-up through relays, key exchange when enabled,
// then session login or resume.
func (c *Client) dial(ctx context.Context) (*endpoint.Endpoint, error) {
	route := c.opts.Route
	opts := c.opts.Endpoint
	opts.Proxied = !route.Direct()
	opts.OnControl = nil

	ep, err := endpoint.Dial(ctx, c.opts.Dialer, route.FirstHop().Address, opts)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { ep.Abort() })
	defer stop()

	if err := c.handshake(ep); err != nil {
		ep.Abort()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return ep, nil
}

func (c *Client) handshake(ep *endpoint.Endpoint) error {
	var ex *crypto.Exchange
	var keyReq *protocol.KeyExchangeRequest
	if c.opts.Encrypt {
		var err error
		if ex, err = crypto.NewExchange(); err != nil {
			return err
		}
		keyReq = &protocol.KeyExchangeRequest{PublicKey: ex.PublicKey(), Cipher: string(c.opts.Cipher)}
	}

	var keyResp *protocol.KeyExchangeResponse
	var err error
	if ep.Proxied() {
		keyResp, err = c.openCircuit(ep, keyReq)
	} else if keyReq != nil {
		keyResp, err = exchangeKeys(ep, keyReq)
	}
	if err != nil {
		return err
	}

	if keyResp != nil {
		suite, err := crypto.ParseSuite(keyResp.Cipher)
		if err != nil {
			return err
		}
		key, err := ex.Complete(keyResp.PublicKey, true)
		if err != nil {
			return err
		}
		cipher, err := crypto.NewCipher(suite, key)
		if err != nil {
			return err
		}
		ep.SetSymmetricKey(cipher)
	}
	return c.login(ep)
}

// openCircuit asks the first relay to build the route. The key exchange
// request rides along and the server's answer comes back through the
// circuit; without one the last relay confirms the circuit itself.
func (c *Client) openCircuit(ep *endpoint.Endpoint, keyReq *protocol.KeyExchangeRequest) (*protocol.KeyExchangeResponse, error) {
	req := &protocol.ProxyConnectRequest{Route: c.opts.Route}
	var id uuid.UUID
	if keyReq != nil {
		id = uuid.New()
		req.KeyBytes = protocol.EncodeEnvelope(id, keyReq)
	}
	if err := ep.SendMessage(req, 0); err != nil {
		return nil, err
	}

	want := protocol.MsgProxyConnectResponse
	if keyReq != nil {
		want = protocol.MsgKeyExchangeResponse
	}
	payload, err := ep.ReceiveBytesExpecting(want)
	var fm *endpoint.FlagMismatchError
	if errors.As(err, &fm) && fm.Received == protocol.MsgProxyConnectResponse {
		// A relay refused the circuit.
		return nil, circuitError(fm.Payload)
	}
	if err != nil {
		return nil, err
	}
	if keyReq == nil {
		return nil, circuitError(payload)
	}
	return decodeKeyResponse(id, payload)
}

func circuitError(payload []byte) error {
	m, err := protocol.Unmarshal(payload)
	if err != nil {
		return err
	}
	res, ok := protocol.ResultOf(m)
	if !ok {
		return fmt.Errorf("%w: unexpected %s", protocol.ErrInvalidRequest, m.Type())
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("circuit: %w", err)
	}
	return nil
}

func exchangeKeys(ep *endpoint.Endpoint, req *protocol.KeyExchangeRequest) (*protocol.KeyExchangeResponse, error) {
	id := uuid.New()
	if err := ep.SendEnvelope(id, req); err != nil {
		return nil, err
	}
	payload, err := ep.ReceiveBytesExpecting(protocol.MsgKeyExchangeResponse)
	if err != nil {
		return nil, err
	}
	return decodeKeyResponse(id, payload)
}

func decodeKeyResponse(id uuid.UUID, payload []byte) (*protocol.KeyExchangeResponse, error) {
	gotID, m, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	if gotID != id {
		return nil, fmt.Errorf("%w: key exchange", endpoint.ErrRequestMismatch)
	}
	resp, ok := m.(*protocol.KeyExchangeResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", protocol.ErrInvalidRequest, m.Type())
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("key exchange: %w", err)
	}
	return resp, nil
}

// login resumes the stored session when there is one and falls back to
// credentials when the server no longer knows it.
func (c *Client) login(ep *endpoint.Endpoint) error {
	c.tokens.loginMu.Lock()
	defer c.tokens.loginMu.Unlock()

	tok := c.tokens.get()

	if tok != nil {
		err := c.sessionCall(ep, &protocol.SessionRequest{Resume: tok})
		if err == nil || !errors.Is(err, protocol.ErrAuthDenied) {
			return err
		}
		c.logger.Debug("session resume refused, logging in again", logging.Err(err))
	}
	return c.sessionCall(ep, &protocol.SessionRequest{Username: c.opts.Username, Password: c.opts.Password})
}

func (c *Client) sessionCall(ep *endpoint.Endpoint, req *protocol.SessionRequest) error {
	m, err := ep.Call(req)
	if err != nil {
		return err
	}
	resp, ok := m.(*protocol.SessionResponse)
	if !ok {
		return fmt.Errorf("%w: unexpected %s", protocol.ErrInvalidRequest, m.Type())
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	c.tokens.set(resp.Token)
	return nil
}
