package tap

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

// DefaultDialTimeout bounds connecting to an upstream, proxy handshake
// included.
const DefaultDialTimeout = 10 * time.Second

// Dialer handles connections to upstream servers, optionally through an
// upstream proxy.
type Dialer struct {
	UpstreamProxy string // http://, https://, socks5://, socks5h:// or empty
	Timeout       time.Duration
}

// NewDialer creates a new dialer.
func NewDialer(upstreamProxy string) *Dialer {
	return &Dialer{
		UpstreamProxy: upstreamProxy,
		Timeout:       DefaultDialTimeout,
	}
}

// Dial connects to addr.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext connects to addr, through the upstream proxy when one is set.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	direct := &net.Dialer{}
	if d.UpstreamProxy == "" {
		return direct.DialContext(ctx, network, addr)
	}

	proxyURL, err := url.Parse(d.UpstreamProxy)
	if err != nil {
		return nil, errors.Wrap(err, "parse upstream proxy")
	}

	switch proxyURL.Scheme {
	case "http", "https":
		return d.dialHTTPProxy(ctx, direct, proxyURL, addr)
	case "socks", "socks5", "socks5h":
		return d.dialSOCKS5Proxy(ctx, direct, proxyURL, network, addr)
	default:
		return nil, errors.Errorf("unsupported upstream proxy scheme: %s", proxyURL.Scheme)
	}
}

// dialHTTPProxy connects through an HTTP CONNECT proxy.
func (d *Dialer) dialHTTPProxy(ctx context.Context, direct *net.Dialer, proxyURL *url.URL, targetAddr string) (net.Conn, error) {
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "8080")
	}

	conn, err := direct.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, errors.Wrap(err, "connect to http proxy")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	if proxyURL.User != nil {
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		connectReq += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "send CONNECT request")
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "read proxy response")
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, errors.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	conn.SetDeadline(time.Time{})

	if reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: reader}, nil
	}
	return conn, nil
}

// dialSOCKS5Proxy connects through a SOCKS5 proxy. Host names are resolved
// by the proxy.
func (d *Dialer) dialSOCKS5Proxy(ctx context.Context, direct *net.Dialer, proxyURL *url.URL, network, targetAddr string) (net.Conn, error) {
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "1080")
	}

	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
	}

	socks, err := proxy.SOCKS5("tcp", proxyAddr, auth, direct)
	if err != nil {
		return nil, errors.Wrap(err, "socks5 dialer")
	}
	cd, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	conn, err := cd.DialContext(ctx, network, targetAddr)
	if err != nil {
		return nil, errors.Wrap(err, "socks5 connect")
	}
	return conn, nil
}

// bufferedConn keeps bytes already read past a handshake.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
