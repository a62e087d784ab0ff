// Package tunnel provides SSH port forwarding to reach remote databases.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrAmbiguousCredentials is returned when both a password and a
	// private key are configured for the SSH user.
	ErrAmbiguousCredentials = errors.New("both ssh password and private key configured")
	// ErrMissingCredentials is returned when neither a password nor a
	// private key is configured.
	ErrMissingCredentials = errors.New("no ssh password or private key configured")
	// ErrUnreachable is returned when the SSH endpoint cannot be reached.
	ErrUnreachable = errors.New("ssh endpoint unreachable")
)

// Service defines the interface for tunnel operations.
type Service interface {
	Open(ctx context.Context, target *models.TargetConfig) (*Tunnel, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	return ssh.Dial(network, addr, config)
}

// Tunnel is an open forwarding handle. Connections accepted on the
// local endpoint are forwarded over SSH to the remote bind address.
// For targets without SSH configuration the endpoint is the database's
// direct address and Close is a no-op.
type Tunnel struct {
	Endpoint models.Endpoint

	listener  net.Listener
	client    SSHClient
	logger    zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Close shuts the tunnel down. Safe to call more than once.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		if t.listener != nil {
			t.closeErr = t.listener.Close()
		}
		if t.client != nil {
			if err := t.client.Close(); err != nil && t.closeErr == nil {
				t.closeErr = err
			}
		}
		if t.listener != nil || t.client != nil {
			t.logger.Debug().Str("endpoint", t.Endpoint.Addr()).Msg("tunnel closed")
		}
	})
	return t.closeErr
}

// Impl implements the tunnel Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new tunnel service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new tunnel service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func buildConfig(cfg *models.TunnelConfig) (*ssh.ClientConfig, error) {
	if cfg.Password != "" && cfg.PrivateKeyPath != "" {
		return nil, fmt.Errorf("%w for %s@%s", ErrAmbiguousCredentials, cfg.User, cfg.Host)
	}

	var auth ssh.AuthMethod
	switch {
	case cfg.Password != "":
		auth = ssh.Password(cfg.Password)
	case cfg.PrivateKeyPath != "":
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.PrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	default:
		return nil, fmt.Errorf("%w for %s@%s", ErrMissingCredentials, cfg.User, cfg.Host)
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // backup hosts are on a trusted network
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

// Open establishes the endpoint for a target. Without SSH configuration
// the database's direct address is returned; otherwise an SSH connection
// is dialed, a local listener is bound and forwarding starts.
func (s *Impl) Open(ctx context.Context, target *models.TargetConfig) (*Tunnel, error) {
	cfg := target.Tunnel
	if cfg == nil || !cfg.Enabled {
		return &Tunnel{
			Endpoint: models.Endpoint{Host: target.Database.Host, Port: target.Database.Port},
			logger:   s.logger,
		}, nil
	}

	sshConfig, err := buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	s.logger.Info().
		Str("target", target.Name).
		Str("ssh", addr).
		Str("user", cfg.User).
		Msg("opening ssh tunnel")

	// Dial with context cancellation.
	clientChan := make(chan struct {
		client SSHClient
		err    error
	}, 1)

	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- struct {
			client SSHClient
			err    error
		}{client, err}
	}()

	var client SSHClient
	select {
	case <-ctx.Done():
		// The dial may still complete after cancellation; close the
		// late client so its connection does not leak.
		go func() {
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, res.err)
		}
		client = res.client
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.LocalBindPort)))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to bind local forwarding port: %w", err)
	}

	localPort := listener.Addr().(*net.TCPAddr).Port
	remoteAddr := net.JoinHostPort(cfg.RemoteBindHost, strconv.Itoa(cfg.RemoteBindPort))

	t := &Tunnel{
		Endpoint: models.Endpoint{Host: "127.0.0.1", Port: localPort, Tunneled: true},
		listener: listener,
		client:   client,
		logger:   s.logger,
	}

	go s.serve(t, remoteAddr)

	s.logger.Info().
		Str("target", target.Name).
		Str("local", t.Endpoint.Addr()).
		Str("remote", remoteAddr).
		Msg("tunnel established")

	return t, nil
}

func (s *Impl) serve(t *Tunnel, remoteAddr string) {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			// Listener closed, tunnel is shutting down.
			return
		}
		go s.forward(t, local, remoteAddr)
	}
}

func (s *Impl) forward(t *Tunnel, local net.Conn, remoteAddr string) {
	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", remoteAddr).Msg("tunnel forward dial failed")
		_ = local.Close()
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
	_ = local.Close()
	_ = remote.Close()
}
