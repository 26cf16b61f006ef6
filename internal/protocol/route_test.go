package protocol

import (
	"errors"
	"testing"
)

func TestParseRoute(t *testing.T) {
	tests := []struct {
		in      string
		proxies int
		server  RouteNode
		wantErr bool
	}{
		{in: "files.example:7000", server: RouteNode{Address: "files.example:7000"}},
		{in: "relay:7001 -> vault@relay:7001", proxies: 1, server: RouteNode{Address: "relay:7001", Name: "vault"}},
		{in: "a:1 -> b:2 -> c:3", proxies: 2, server: RouteNode{Address: "c:3"}},
		{in: "named@a:1 -> c:3", wantErr: true},
		{in: "vault@relay:7001", wantErr: true},
		{in: "a:1 -> -> c:3", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := ParseRoute(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRoute) {
					t.Errorf("ParseRoute() error = %v, want ErrInvalidRoute", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRoute() error = %v", err)
			}
			if len(r.Proxies) != tt.proxies {
				t.Errorf("proxies = %d, want %d", len(r.Proxies), tt.proxies)
			}
			if r.Server != tt.server {
				t.Errorf("server = %+v, want %+v", r.Server, tt.server)
			}
			if again, err := ParseRoute(r.String()); err != nil || again.String() != r.String() {
				t.Errorf("String() does not round trip: %q", r.String())
			}
		})
	}
}

func TestRouteEncodeDecode(t *testing.T) {
	route := ConnectionRoute{
		Server: RouteNode{Address: "10.0.0.5:7000", Name: "backup"},
		Proxies: []RouteNode{
			{Address: "edge:7001"},
			{Address: "inner:7001", Name: "inner"},
		},
	}
	got, err := DecodeRoute(EncodeRoute(route))
	if err != nil {
		t.Fatalf("DecodeRoute() error = %v", err)
	}
	if got.Server != route.Server || len(got.Proxies) != 2 || got.Proxies[1] != route.Proxies[1] {
		t.Errorf("DecodeRoute() = %+v, want %+v", got, route)
	}
	if got.Proxies[0].Name != "" {
		t.Errorf("first proxy name = %q, want empty", got.Proxies[0].Name)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestRouteHops(t *testing.T) {
	r := ConnectionRoute{Server: RouteNode{Address: "s:1"}, Proxies: []RouteNode{{Address: "p:1"}}}
	hops := r.Hops()
	if len(hops) != 2 || hops[0].Address != "p:1" || hops[1].Address != "s:1" {
		t.Errorf("Hops() = %+v", hops)
	}
	if r.Direct() {
		t.Error("Direct() = true for proxied route")
	}
	if r.FirstHop().Address != "p:1" {
		t.Errorf("FirstHop() = %+v", r.FirstHop())
	}
	if !(ConnectionRoute{Server: RouteNode{Address: "s:1"}}).Direct() {
		t.Error("Direct() = false for direct route")
	}
}
