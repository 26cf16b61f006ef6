package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRoute is returned for routes that cannot be followed.
var ErrInvalidRoute = errors.New("invalid route")

// RouteNode is one hop of a connection route. A named node is served by
// the relay at Address on behalf of a hidden host registered under Name.
type RouteNode struct {
	Address string
	Name    string
}

// String renders the node as "name@address" or "address".
func (n RouteNode) String() string {
	if n.Name == "" {
		return n.Address
	}
	return n.Name + "@" + n.Address
}

// MarshalTo implements Record.
func (n RouteNode) MarshalTo(b *Buffer) {
	b.WriteString(n.Address)
	b.WriteString(n.Name)
}

func (n *RouteNode) unmarshal(r *Reader) {
	n.Address = r.String()
	n.Name = r.String()
}

// ConnectionRoute is the path from a client to a server through zero or
// more relays.
type ConnectionRoute struct {
	Server  RouteNode
	Proxies []RouteNode
}

// Direct reports whether the route reaches the server without a relay.
func (r ConnectionRoute) Direct() bool {
	return len(r.Proxies) == 0 && r.Server.Name == ""
}

// Hops returns the proxies followed by the server.
func (r ConnectionRoute) Hops() []RouteNode {
	hops := make([]RouteNode, 0, len(r.Proxies)+1)
	hops = append(hops, r.Proxies...)
	return append(hops, r.Server)
}

// FirstHop is the address the client dials.
func (r ConnectionRoute) FirstHop() RouteNode {
	if len(r.Proxies) > 0 {
		return r.Proxies[0]
	}
	return r.Server
}

// Validate checks that the route can be dialed. The first proxy is dialed
// directly, so it cannot be a named node.
func (r ConnectionRoute) Validate() error {
	if r.Server.Address == "" {
		return fmt.Errorf("%w: server address is empty", ErrInvalidRoute)
	}
	for i, p := range r.Proxies {
		if p.Address == "" {
			return fmt.Errorf("%w: proxy %d address is empty", ErrInvalidRoute, i)
		}
	}
	if len(r.Proxies) > 0 && r.Proxies[0].Name != "" {
		return fmt.Errorf("%w: first proxy %q cannot be named", ErrInvalidRoute, r.Proxies[0].String())
	}
	if len(r.Proxies) == 0 && r.Server.Name != "" {
		return fmt.Errorf("%w: named server %q needs a relay in front of it", ErrInvalidRoute, r.Server.String())
	}
	return nil
}

// String renders the route in the form accepted by ParseRoute.
func (r ConnectionRoute) String() string {
	parts := make([]string, 0, len(r.Proxies)+1)
	for _, p := range r.Proxies {
		parts = append(parts, p.String())
	}
	parts = append(parts, r.Server.String())
	return strings.Join(parts, " -> ")
}

// MarshalTo implements Record.
func (r ConnectionRoute) MarshalTo(b *Buffer) {
	r.Server.MarshalTo(b)
	b.WriteInt32(int32(len(r.Proxies)))
	for _, p := range r.Proxies {
		p.MarshalTo(b)
	}
}

func (r *ConnectionRoute) unmarshal(rd *Reader) {
	r.Server.unmarshal(rd)
	n := rd.Count(8)
	r.Proxies = nil
	if n > 0 {
		r.Proxies = make([]RouteNode, n)
		for i := range r.Proxies {
			r.Proxies[i].unmarshal(rd)
		}
	}
}

// EncodeRoute serializes a route.
func EncodeRoute(r ConnectionRoute) []byte {
	b := NewBuffer(64)
	r.MarshalTo(b)
	return b.Bytes()
}

// DecodeRoute parses bytes produced by EncodeRoute.
func DecodeRoute(data []byte) (ConnectionRoute, error) {
	var r ConnectionRoute
	rd := NewReader(data)
	r.unmarshal(rd)
	if err := rd.Err(); err != nil {
		return ConnectionRoute{}, err
	}
	return r, nil
}

// ParseRoute parses "proxy:port -> name@relay:port -> server:port".
// The last hop is the server.
func ParseRoute(s string) (ConnectionRoute, error) {
	fields := strings.Split(s, "->")
	nodes := make([]RouteNode, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			return ConnectionRoute{}, fmt.Errorf("%w: empty hop in %q", ErrInvalidRoute, s)
		}
		var n RouteNode
		if at := strings.LastIndex(f, "@"); at >= 0 {
			n.Name = strings.TrimSpace(f[:at])
			n.Address = strings.TrimSpace(f[at+1:])
		} else {
			n.Address = f
		}
		nodes = append(nodes, n)
	}
	r := ConnectionRoute{Server: nodes[len(nodes)-1]}
	if len(nodes) > 1 {
		r.Proxies = nodes[:len(nodes)-1]
	}
	if err := r.Validate(); err != nil {
		return ConnectionRoute{}, err
	}
	return r, nil
}
