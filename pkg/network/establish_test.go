package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProber struct {
	failures int
	calls    int
	ip       net.IP
}

func (p *countingProber) Probe(context.Context) (net.IP, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("not associated")
	}
	return p.ip, nil
}

func TestEstablish_SucceedsAfterRetries(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := &countingProber{failures: 3, ip: net.ParseIP("192.168.1.20")}

	ip, err := Establish(context.Background(), p, Policy{MaxAttempts: 5, Backoff: Constant(time.Millisecond)}, logger)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", ip.String())
	assert.Equal(t, 4, p.calls)
	assert.Contains(t, hook.LastEntry().Message, "192.168.1.20")
}

func TestEstablish_GivesUp(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := &countingProber{failures: 100}

	_, err := Establish(context.Background(), p, Policy{MaxAttempts: 3, Backoff: Constant(time.Millisecond)}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "not associated")
	assert.Equal(t, 3, p.calls)
}

func TestEstablish_ContextCancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := &countingProber{failures: 100}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Establish(ctx, p, Policy{MaxAttempts: 1000, Backoff: Constant(10 * time.Millisecond)}, logger)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, p.calls, 1000)
}

func TestEstablish_ZeroPolicyTriesOnce(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p := &countingProber{failures: 100}

	_, err := Establish(context.Background(), p, Policy{}, logger)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestInterfaceProber(t *testing.T) {
	up := &net.Interface{Name: "wlan0", Flags: net.FlagUp}
	down := &net.Interface{Name: "wlan0"}

	tests := []struct {
		name    string
		iface   *net.Interface
		lookErr error
		addrs   []net.Addr
		wantIP  string
		wantErr string
	}{
		{
			name:   "associated",
			iface:  up,
			addrs:  []net.Addr{&net.IPNet{IP: net.ParseIP("fe80::1")}, &net.IPNet{IP: net.ParseIP("10.0.0.7")}},
			wantIP: "10.0.0.7",
		},
		{name: "missing", lookErr: errors.New("no such network interface"), wantErr: "no such network interface"},
		{name: "down", iface: down, wantErr: "is down"},
		{name: "no address yet", iface: up, addrs: []net.Addr{&net.IPNet{IP: net.ParseIP("127.0.0.1")}}, wantErr: "no usable address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := InterfaceProber{
				Name: "wlan0",
				lookup: func(string) (*net.Interface, error) {
					return tt.iface, tt.lookErr
				},
				addrs: func(*net.Interface) ([]net.Addr, error) {
					return tt.addrs, nil
				},
			}

			ip, err := p.Probe(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIP, ip.String())
		})
	}
}

func TestResolveProber_Localhost(t *testing.T) {
	ip, err := ResolveProber{Host: "localhost"}.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, ip.IsLoopback())
}
