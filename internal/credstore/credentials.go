package credstore

import (
	"fmt"
	"log/slog"
	"sort"
)

// Namespace holds the device credentials inside the store.
const Namespace = "credentials"

// Credential keys.
const (
	KeySSID         = "ssid"
	KeyPassword     = "password"
	KeyMQTTUser     = "mqtt-user"
	KeyMQTTPassword = "mqtt-pw"
)

// defaults are returned for keys that were never provisioned.
var defaults = map[string]string{
	KeySSID:         "brunnen",
	KeyPassword:     "",
	KeyMQTTUser:     "brunnen",
	KeyMQTTPassword: "",
}

// KnownKeys returns the credential keys in sorted order.
func KnownKeys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsKnownKey reports whether key is one of the credential keys.
func IsKnownKey(key string) bool {
	_, ok := defaults[key]
	return ok
}

// Credentials is the lookup view of the store used at runtime.
type Credentials struct {
	store  *Store
	logger *slog.Logger
}

// NewCredentials wraps store.
func NewCredentials(store *Store, logger *slog.Logger) *Credentials {
	if logger == nil {
		logger = slog.Default()
	}
	return &Credentials{store: store, logger: logger}
}

// Lookup returns the stored value for key, or the hardcoded default
// when the key is unset or the store cannot be read.
func (c *Credentials) Lookup(key string) string {
	v, ok, err := c.store.Get(Namespace, key)
	if err != nil {
		c.logger.Warn("credential lookup failed, using default", "key", key, "error", err)
		return defaults[key]
	}
	if !ok {
		return defaults[key]
	}
	return v
}

// BrokerCredentials returns the MQTT username and password. It reads
// the store on every call.
func (c *Credentials) BrokerCredentials() (user, password string) {
	return c.Lookup(KeyMQTTUser), c.Lookup(KeyMQTTPassword)
}

// NetworkName returns the provisioned SSID, used for diagnostics only.
func (c *Credentials) NetworkName() string {
	return c.Lookup(KeySSID)
}

// Provision stores value under key. Only known keys are accepted.
func (c *Credentials) Provision(key, value string) error {
	if !IsKnownKey(key) {
		return fmt.Errorf("unknown credential key %q (valid: %v)", key, KnownKeys())
	}
	return c.store.Set(Namespace, key, value)
}

// Remove deletes the stored value for key, so Lookup falls back to the
// default again. Removing a key that was never provisioned is not an
// error.
func (c *Credentials) Remove(key string) error {
	if !IsKnownKey(key) {
		return fmt.Errorf("unknown credential key %q (valid: %v)", key, KnownKeys())
	}
	return c.store.Delete(Namespace, key)
}

// Provisioned returns the keys that have an explicit value.
func (c *Credentials) Provisioned() ([]string, error) {
	return c.store.Keys(Namespace)
}
