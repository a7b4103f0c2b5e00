package pingate

import (
	"fmt"
	"time"
)

const defaultMaxRetries = 8

type Config struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	Hasher           HasherConfig
	DenyList         []string
	// MaxRetries bounds re-reads after a concurrent write to the same record.
	MaxRetries int
	// AllowWeakSettings permits values below the documented minimums. It is
	// meant for tests and must be set explicitly by the operator.
	AllowWeakSettings bool
}

func DefaultConfig() Config {
	return Config{
		LockoutThreshold: DefaultLockoutThreshold,
		LockoutDuration:  DefaultLockoutDuration,
		Hasher:           DefaultHasherConfig(),
		MaxRetries:       defaultMaxRetries,
	}
}

// Validate fills zero values with defaults and rejects settings weaker than
// threshold 3, a five minute lock or the hasher minimums.
func (c *Config) Validate() error {
	if c.LockoutThreshold == 0 {
		c.LockoutThreshold = DefaultLockoutThreshold
	}
	if c.LockoutDuration == 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.LockoutThreshold < 0 || c.LockoutDuration < 0 {
		return fmt.Errorf("lockout threshold and duration must be positive")
	}

	if c.AllowWeakSettings {
		c.Hasher.AllowWeakParameters = true
		return nil
	}
	if c.LockoutThreshold > DefaultLockoutThreshold {
		return fmt.Errorf("%w: lockout threshold %d > %d", ErrWeakConfiguration, c.LockoutThreshold, DefaultLockoutThreshold)
	}
	if c.LockoutDuration < DefaultLockoutDuration {
		return fmt.Errorf("%w: lockout duration %s < %s", ErrWeakConfiguration, c.LockoutDuration, DefaultLockoutDuration)
	}
	return nil
}
