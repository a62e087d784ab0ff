// Package wol wakes sleeping database hosts before a backup run.
package wol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg *models.WOLConfig) error
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet to the specified MAC address.
func (c *DefaultClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	if err := client.Wake(ip.String()+":9", mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}
	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	client Client
	logger zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{client: &DefaultClient{}, logger: logger}
}

// NewWithClient creates a new WOL service with a custom client (for testing).
func NewWithClient(logger zerolog.Logger, client Client) *Impl {
	return &Impl{client: client, logger: logger}
}

// Wake sends a magic packet for the configured MAC and waits the
// configured settle time so the host can finish booting.
func (s *Impl) Wake(ctx context.Context, cfg *models.WOLConfig) error {
	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		return fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
	}

	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("broadcast", cfg.BroadcastIP).
		Msg("sending WOL packet")

	if err := s.client.Wake(cfg.BroadcastIP, mac); err != nil {
		return err
	}

	if cfg.Wait > 0 {
		s.logger.Debug().Str("wait", cfg.Wait.Round(time.Millisecond).String()).Msg("waiting for host to come up")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Wait):
		}
	}
	return nil
}
