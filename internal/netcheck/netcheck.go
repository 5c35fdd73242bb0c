// Package netcheck reports whether the device's network link is usable
// before a broker connect is attempted.
package netcheck

import (
	"log/slog"
	"net"
	"sync"
)

// Interface checks a single named network interface.
type Interface struct {
	name   string
	logger *slog.Logger

	// lookup is replaced in tests.
	lookup func(name string) (flags net.Flags, addrs int, err error)

	mu    sync.Mutex
	ready bool
}

// New watches the interface called name. An empty name disables the
// check and Ready always reports true.
func New(name string, logger *slog.Logger) *Interface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interface{
		name:   name,
		logger: logger,
		lookup: lookupInterface,
		ready:  true,
	}
}

// Name returns the watched interface name.
func (i *Interface) Name() string {
	return i.name
}

// Ready reports whether the interface is up and has an address.
// Transitions are logged once.
func (i *Interface) Ready() bool {
	if i.name == "" {
		return true
	}

	flags, addrs, err := i.lookup(i.name)
	ready := err == nil && flags&net.FlagUp != 0 && addrs > 0

	i.mu.Lock()
	changed := ready != i.ready
	i.ready = ready
	i.mu.Unlock()

	if changed {
		if ready {
			i.logger.Info("network ready", "interface", i.name, "addrs", addrs)
		} else {
			i.logger.Warn("network not ready", "interface", i.name, "error", err)
		}
	}
	return ready
}

func lookupInterface(name string) (net.Flags, int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, 0, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ifi.Flags, 0, err
	}
	return ifi.Flags, len(addrs), nil
}
