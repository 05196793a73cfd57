package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexusmiracle/callcore/internal/resilience"
)

// Pinger is the readiness surface of the clinic store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a checker that probes the clinic store connection.
func Database(p Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if p == nil {
				return errors.New("store not configured")
			}
			return p.Ping(ctx)
		},
	}
}

// Breakers returns a checker that fails while any of the given capability
// breakers is open. Half-open breakers pass; they are already probing their
// way back.
func Breakers(breakers map[string]*resilience.CircuitBreaker) Checker {
	return Checker{
		Name: "providers",
		Check: func(_ context.Context) error {
			var open []string
			for name, b := range breakers {
				if b == nil {
					continue
				}
				if b.State() == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(open) > 0 {
				return fmt.Errorf("breakers open: %v", open)
			}
			return nil
		},
	}
}
