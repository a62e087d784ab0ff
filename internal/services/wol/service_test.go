package wol

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type mockClient struct {
	wakeFunc func(broadcastIP string, mac net.HardwareAddr) error
}

func (m *mockClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	return m.wakeFunc(broadcastIP, mac)
}

func TestWake_SendsPacket(t *testing.T) {
	var gotBroadcast, gotMAC string
	client := &mockClient{
		wakeFunc: func(broadcastIP string, mac net.HardwareAddr) error {
			gotBroadcast = broadcastIP
			gotMAC = mac.String()
			return nil
		},
	}
	service := NewWithClient(testLogger(), client)

	cfg := &models.WOLConfig{
		MACAddress:  "aa:bb:cc:dd:ee:ff",
		BroadcastIP: "192.168.1.255",
	}
	require.NoError(t, service.Wake(context.Background(), cfg))

	assert.Equal(t, "192.168.1.255", gotBroadcast)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", gotMAC)
}

func TestWake_InvalidMAC(t *testing.T) {
	service := NewWithClient(testLogger(), &mockClient{})

	err := service.Wake(context.Background(), &models.WOLConfig{MACAddress: "not-a-mac"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid MAC address")
}

func TestWake_ClientError(t *testing.T) {
	client := &mockClient{
		wakeFunc: func(broadcastIP string, mac net.HardwareAddr) error {
			return errors.New("network unreachable")
		},
	}
	service := NewWithClient(testLogger(), client)

	err := service.Wake(context.Background(), &models.WOLConfig{
		MACAddress:  "aa:bb:cc:dd:ee:ff",
		BroadcastIP: "255.255.255.255",
	})
	require.Error(t, err)
}

func TestWake_WaitRespectsContext(t *testing.T) {
	client := &mockClient{
		wakeFunc: func(broadcastIP string, mac net.HardwareAddr) error {
			return nil
		},
	}
	service := NewWithClient(testLogger(), client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	cfg := &models.WOLConfig{
		MACAddress:  "aa:bb:cc:dd:ee:ff",
		BroadcastIP: "255.255.255.255",
		Wait:        time.Minute,
	}
	err := service.Wake(ctx, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
