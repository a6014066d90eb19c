package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"imap-acl-proxy/internal/config"
	"imap-acl-proxy/internal/imap"
)

// Upstream is an authenticated connection to a real IMAP server, owned
// exclusively by one session for its lifetime.
type Upstream struct {
	Conn   net.Conn
	Reader *bufio.Reader
	// Caps holds the capabilities advertised after login, uppercased.
	Caps map[string]bool
}

// DialUpstream connects to the upstream IMAP server described by acct.
// It reads and validates the server greeting, then returns the connection
// and a buffered reader positioned after the greeting.
func DialUpstream(acct *config.UpstreamAccount) (*Upstream, error) {
	return dialUpstream(acct, nil)
}

// dialUpstream is the internal implementation; tlsCfg overrides the TLS config when non-nil.
func dialUpstream(acct *config.UpstreamAccount, tlsCfg *tls.Config) (*Upstream, error) {
	addr := net.JoinHostPort(acct.Host, fmt.Sprintf("%d", acct.Port))

	makeTLSConfig := func() *tls.Config {
		if tlsCfg != nil {
			return tlsCfg
		}
		return &tls.Config{ServerName: acct.Host}
	}

	var conn net.Conn
	var r *bufio.Reader

	switch {
	case acct.TLS:
		c, err := tls.Dial("tcp", addr, makeTLSConfig())
		if err != nil {
			return nil, fmt.Errorf("tls dial %s: %w", addr, err)
		}
		conn = c
		r = bufio.NewReader(conn)

	case acct.StartTLS:
		plain, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		pr := bufio.NewReader(plain)

		// Read initial greeting before STARTTLS negotiation.
		if _, err := pr.ReadString('\n'); err != nil {
			plain.Close()
			return nil, fmt.Errorf("starttls: read greeting: %w", err)
		}

		// Request STARTTLS.
		if _, err := fmt.Fprintf(plain, "proxy0 STARTTLS\r\n"); err != nil {
			plain.Close()
			return nil, fmt.Errorf("starttls: send command: %w", err)
		}

		// Read server response.
		resp, err := pr.ReadString('\n')
		if err != nil {
			plain.Close()
			return nil, fmt.Errorf("starttls: read response: %w", err)
		}
		if !strings.Contains(resp, " OK") {
			plain.Close()
			return nil, fmt.Errorf("starttls: server rejected: %s", strings.TrimRight(resp, "\r\n"))
		}

		// Upgrade to TLS. After this point, pr is discarded; the bufio.Reader
		// buffer should be empty since the server does not send TLS data until
		// the client initiates the handshake.
		tlsConn := tls.Client(plain, makeTLSConfig())
		if err := tlsConn.Handshake(); err != nil {
			tlsConn.Close()
			return nil, fmt.Errorf("starttls: tls handshake: %w", err)
		}
		conn = tlsConn
		r = bufio.NewReader(conn)

	default:
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		conn = c
		r = bufio.NewReader(conn)
	}

	// Read and validate the (post-TLS) greeting line.
	greeting, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "* OK") && !strings.HasPrefix(greeting, "* PREAUTH") {
		conn.Close()
		return nil, fmt.Errorf("unexpected greeting: %s", strings.TrimRight(greeting, "\r\n"))
	}

	return &Upstream{Conn: conn, Reader: r}, nil
}

// Login authenticates against the upstream server using the account's
// real credentials and then probes its capabilities. The virtual client
// never sees or supplies these credentials.
func (u *Upstream) Login(acct *config.UpstreamAccount) error {
	cmd := fmt.Sprintf("proxy1 LOGIN %s %s\r\n",
		imap.Quote(acct.Username),
		imap.Quote(acct.Password),
	)
	if _, err := fmt.Fprint(u.Conn, cmd); err != nil {
		return fmt.Errorf("login: send command: %w", err)
	}

	for {
		line, err := u.Reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("login: read response: %w", err)
		}
		if strings.HasPrefix(line, "proxy1 ") {
			if strings.Contains(line, " OK") {
				break
			}
			return fmt.Errorf("login failed: %s", strings.TrimRight(line, "\r\n"))
		}
	}

	return u.probeCapabilities()
}

// probeCapabilities records the server's post-login capability set, used
// to gate MOVE emulation.
func (u *Upstream) probeCapabilities() error {
	if _, err := fmt.Fprint(u.Conn, "proxy2 CAPABILITY\r\n"); err != nil {
		return fmt.Errorf("capability: send command: %w", err)
	}

	caps := make(map[string]bool)
	for {
		line, err := u.Reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("capability: read response: %w", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if rest, ok := strings.CutPrefix(strings.ToUpper(trimmed), "* CAPABILITY "); ok {
			for _, c := range strings.Fields(rest) {
				caps[c] = true
			}
			continue
		}
		if strings.HasPrefix(line, "proxy2 ") {
			if !strings.Contains(line, " OK") {
				return fmt.Errorf("capability: server rejected: %s", trimmed)
			}
			break
		}
	}
	u.Caps = caps
	return nil
}

// Close tears down the upstream connection.
func (u *Upstream) Close() error {
	return u.Conn.Close()
}
