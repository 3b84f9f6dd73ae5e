package ssh

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient is the Transport for one host.
type SSHClient struct {
	config *Config

	mu          sync.RWMutex
	conn        *connection
	connectedAt time.Time
	lastUsedAt  time.Time
}

// connection is an established client, possibly tunnelled through a jump host.
type connection struct {
	client *ssh.Client
	jump   *ssh.Client

	// stop ends the keep-alive loop.
	stop chan struct{}
}

func (cn *connection) close() error {
	if cn.stop != nil {
		close(cn.stop)
	}
	err := cn.client.Close()
	if cn.jump != nil {
		_ = cn.jump.Close()
	}
	return err
}

// dialFunc opens the network connection an SSH handshake runs over.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewSSHClient validates config and returns a disconnected client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "config", Err: err}
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes the connection. A live connection is kept; a dead one
// is replaced.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if ping(c.conn.client) == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.conn.close()
		c.conn = nil
	}

	conn, err := c.open(ctx)
	if err != nil {
		return err
	}
	if c.config.KeepAliveInterval > 0 {
		conn.stop = make(chan struct{})
		go c.keepAlive(conn.client, conn.stop)
	}

	c.conn = conn
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	return nil
}

// open dials the host, through the jump host when one is configured.
func (c *SSHClient) open(ctx context.Context) (*connection, error) {
	target, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	address := c.config.Address()
	direct := (&net.Dialer{}).DialContext

	if !c.config.IsProxyEnabled() {
		client, err := handshake(ctx, direct, address, target)
		if err != nil {
			return nil, connectError("connect", err)
		}
		log.Info().Str("address", address).Msg("SSH connection established")
		return &connection{client: client}, nil
	}

	proxy := c.config.ProxyConfig()
	proxyConfig, err := proxy.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}
	jump, err := handshake(ctx, direct, proxy.Address(), proxyConfig)
	if err != nil {
		return nil, connectError("connect-proxy", err)
	}
	client, err := handshake(ctx, jump.DialContext, address, target)
	if err != nil {
		_ = jump.Close()
		return nil, connectError("connect-via-proxy", err)
	}

	log.Info().Str("address", address).Str("proxy", proxy.Address()).Msg("SSH connection established via proxy")
	return &connection{client: client, jump: jump}, nil
}

// handshake dials addr and runs the SSH handshake over it. Both are abandoned
// when ctx is done or the config's timeout expires.
func handshake(ctx context.Context, dial dialFunc, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() {
		// ctx ended mid-handshake and closed conn.
		if err == nil {
			_ = clientConn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func connectError(op string, err error) *TransportError {
	te := &TransportError{Op: op, Err: err, IsTemporary: true}
	if strings.Contains(err.Error(), "unable to authenticate") {
		te.IsTemporary = false
		te.IsAuthError = true
	}
	return te
}

// Disconnect closes the connection. It is a no-op when not connected.
func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	err := c.conn.close()
	c.conn = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether the client holds a connection.
func (c *SSHClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// HealthCheck runs a no-op command over the connection.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return &TransportError{Op: "healthcheck", Err: errNotConnected}
	}
	if err := ping(c.conn.client); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

var errNotConnected = errors.New("not connected")

func ping(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

// keepAlive sends keep-alive requests until stop is closed or
// MaxKeepAliveRetries requests in a row went unanswered.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			log.Warn().Err(err).Str("host", c.config.Host).Int("failures", failures).Msg("keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("giving up on keep-alives, connection is likely dead")
				return
			}
			continue
		}
		failures = 0
	}
}

// GetConnectionInfo describes the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.config.IsProxyEnabled(),
	}
}

// getClient returns the connected client and marks the connection used.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &TransportError{Op: "get-client", Err: errNotConnected}
	}
	c.lastUsedAt = time.Now()
	return c.conn.client, nil
}
