// Package netsafe guards the edges where outside input meets the network or
// storage: source base URLs, caller and request identifiers, and provider
// response bodies.
package netsafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// MaxIdentifierLen bounds caller IDs and request IDs.
const MaxIdentifierLen = 256

var (
	// ErrSSRF is returned when a URL targets a private or loopback address.
	ErrSSRF = errors.New("netsafe: URL targets a private or loopback address")

	// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
	ErrUnsafeScheme = errors.New("netsafe: only http and https schemes are allowed")

	// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
	ErrTooLarge = errors.New("netsafe: body exceeds limit")
)

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// ValidateURL checks that rawURL uses http or https, has a host, and does
// not point at a private or loopback address. Hostnames are resolved so an
// internal name cannot slip through; a failed lookup is let through since the
// fetch itself will fail.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("netsafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("netsafe: URL has no host")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivate(addr) {
			return ErrSSRF
		}
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && IsPrivate(addr) {
			return ErrSSRF
		}
	}
	return nil
}

// IsPrivate reports whether addr is loopback, link-local, unspecified or in a
// private range.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ValidateIdentifier accepts non-empty ASCII identifiers made of letters,
// digits, underscore, hyphen and dot, up to MaxIdentifierLen bytes.
func ValidateIdentifier(s string) error {
	if s == "" {
		return errors.New("netsafe: identifier must not be empty")
	}
	if len(s) > MaxIdentifierLen {
		return fmt.Errorf("netsafe: identifier too long (max %d)", MaxIdentifierLen)
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("netsafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads r to the end, failing with ErrTooLarge once more than
// maxBytes arrive.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
