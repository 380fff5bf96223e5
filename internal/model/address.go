package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is a parsed peer endpoint.
type Address struct {
	Host string
	Port int
}

// ParseAddress parses "scheme://host:port" or "host:port". IPv4-mapped IPv6
// hosts such as "::ffff:192.0.2.1" are reduced to the bare IPv4 address.
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimSuffix(s, "/")

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", raw, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("parse address %q: missing host", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("parse address %q: invalid port %q", raw, portStr)
	}

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			host = v4.String()
		} else {
			host = ip.String()
		}
	}
	return Address{Host: host, Port: port}, nil
}

// String returns the address in host:port form, bracketing IPv6 hosts.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
