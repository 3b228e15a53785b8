package adapter

import (
	"fmt"
	"net"
	"strings"
)

// Forward describes one listener: connections accepted on Listen are carried
// over the channel and dialed at Dest by the other side.
type Forward struct {
	Protocol string // "tcp" or "udp"
	Listen   string // host:port
	Dest     string // host:port
}

// ParseLocal parses a local forward written as listen=proto://dest, e.g.
// "127.0.0.1:8080=tcp://10.0.0.5:80".
func ParseLocal(s string) (Forward, error) {
	listen, endpoint, ok := strings.Cut(s, "=")
	if !ok {
		return Forward{}, fmt.Errorf("forward %q: want listen=proto://dest", s)
	}
	proto, dest, err := ParseEndpoint(endpoint)
	if err != nil {
		return Forward{}, fmt.Errorf("forward %q: %w", s, err)
	}
	return newForward(s, proto, listen, dest)
}

// ParseRemote parses a remote listener request written as
// proto://listen=dest, e.g. "udp://0.0.0.0:5353=127.0.0.1:53". The peer
// listens and this side dials dest.
func ParseRemote(s string) (Forward, error) {
	proto, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Forward{}, fmt.Errorf("remote forward %q: want proto://listen=dest", s)
	}
	return ParseListenerRequest(proto, rest)
}

// ParseListenerRequest rebuilds a Forward from the fields of a
// CreateListener command.
func ParseListenerRequest(proto, spec string) (Forward, error) {
	listen, dest, ok := strings.Cut(spec, "=")
	if !ok {
		return Forward{}, fmt.Errorf("listener spec %q: want listen=dest", spec)
	}
	return newForward(proto+"://"+spec, proto, listen, dest)
}

// ParseEndpoint splits a Connect destination such as "tcp://host:80".
func ParseEndpoint(endpoint string) (proto, addr string, err error) {
	proto, addr, ok := strings.Cut(endpoint, "://")
	if !ok {
		return "", "", fmt.Errorf("endpoint %q: want proto://host:port", endpoint)
	}
	if err := checkProto(proto); err != nil {
		return "", "", err
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	return proto, addr, nil
}

func newForward(raw, proto, listen, dest string) (Forward, error) {
	if err := checkProto(proto); err != nil {
		return Forward{}, fmt.Errorf("forward %q: %w", raw, err)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return Forward{}, fmt.Errorf("forward %q: listen address: %w", raw, err)
	}
	if _, _, err := net.SplitHostPort(dest); err != nil {
		return Forward{}, fmt.Errorf("forward %q: destination: %w", raw, err)
	}
	return Forward{Protocol: proto, Listen: listen, Dest: dest}, nil
}

func checkProto(proto string) error {
	if proto != "tcp" && proto != "udp" {
		return fmt.Errorf("unsupported protocol %q (want tcp or udp)", proto)
	}
	return nil
}

// Endpoint is the destination carried in Connect.
func (f Forward) Endpoint() string { return f.Protocol + "://" + f.Dest }

// Spec is the forward spec carried in CreateListener.
func (f Forward) Spec() string { return f.Listen + "=" + f.Dest }

func (f Forward) String() string { return f.Protocol + "://" + f.Spec() }
