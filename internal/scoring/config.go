// internal/scoring/config.go
package scoring

import (
	"fmt"
	"time"
)

const (
	// DefaultServesPerTurn is the number of consecutive points one player serves before rotation.
	DefaultServesPerTurn = 2

	// DefaultServeResetDelay is the pause between a decided rally and the serve-ready broadcast.
	DefaultServeResetDelay = 3 * time.Second
)

// Config holds the per-match scoring rules. WinThreshold has no default and
// must be supplied by whoever creates the match.
type Config struct {
	ServesPerTurn   int           `json:"serves_per_turn"`
	WinThreshold    int           `json:"win_threshold"`
	ServeResetDelay time.Duration `json:"serve_reset_delay"`
}

// withDefaults fills the optional fields left at zero.
func (c Config) withDefaults() Config {
	if c.ServesPerTurn == 0 {
		c.ServesPerTurn = DefaultServesPerTurn
	}
	if c.ServeResetDelay == 0 {
		c.ServeResetDelay = DefaultServeResetDelay
	}
	return c
}

// Validate reports a misconfigured match. It is applied after defaults.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.WinThreshold <= 0 {
		return fmt.Errorf("%w: win threshold must be positive, got %d", ErrInvalidConfig, c.WinThreshold)
	}
	if c.ServesPerTurn < 0 {
		return fmt.Errorf("%w: serves per turn must be positive, got %d", ErrInvalidConfig, c.ServesPerTurn)
	}
	if c.ServeResetDelay < 0 {
		return fmt.Errorf("%w: serve reset delay must not be negative, got %s", ErrInvalidConfig, c.ServeResetDelay)
	}
	return nil
}
