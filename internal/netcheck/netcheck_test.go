package netcheck

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
)

func TestReady(t *testing.T) {
	tests := []struct {
		name  string
		flags net.Flags
		addrs int
		err   error
		want  bool
	}{
		{"up with address", net.FlagUp, 1, nil, true},
		{"up without address", net.FlagUp, 0, nil, false},
		{"down", 0, 2, nil, false},
		{"missing", 0, 0, errors.New("no such network interface"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := New("wlan0", slog.New(slog.NewTextHandler(io.Discard, nil)))
			i.lookup = func(name string) (net.Flags, int, error) {
				if name != "wlan0" {
					t.Errorf("lookup(%q), want wlan0", name)
				}
				return tt.flags, tt.addrs, tt.err
			}
			if got := i.Ready(); got != tt.want {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReady_EmptyNameAlwaysReady(t *testing.T) {
	i := New("", nil)
	i.lookup = func(string) (net.Flags, int, error) {
		t.Fatal("lookup called with check disabled")
		return 0, 0, nil
	}
	if !i.Ready() {
		t.Error("Ready() = false with check disabled")
	}
}

func TestReady_Loopback(t *testing.T) {
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("net.Interfaces: %v", err)
	}
	for _, ifi := range ifaces {
		addrs, _ := ifi.Addrs()
		if ifi.Flags&net.FlagLoopback != 0 && ifi.Flags&net.FlagUp != 0 && len(addrs) > 0 {
			if !New(ifi.Name, nil).Ready() {
				t.Errorf("Ready() = false for loopback %s", ifi.Name)
			}
			return
		}
	}
	t.Skip("no usable loopback interface")
}
