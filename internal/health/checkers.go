package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/polyvox-ai/polyvox/internal/avail"
)

// ProvidersChecker reports ready when at least one speech provider is
// currently available according to the availability cache. A gateway with no
// working provider accepts sessions it can never serve, so it is reported as
// not ready. The detail names how many providers can take sessions and why
// the down ones cannot.
func ProvidersChecker(cache *avail.Cache) Checker {
	return Checker{
		Name: "providers",
		Check: func(ctx context.Context) (string, error) {
			snapshot := cache.Get(ctx, false)
			if len(snapshot) == 0 {
				return "", fmt.Errorf("no providers configured")
			}

			available := 0
			var down []string
			for _, a := range snapshot {
				if a.Available {
					available++
					continue
				}
				reason := a.Reason
				if reason == "" {
					reason = "unavailable"
				}
				down = append(down, a.Provider+": "+reason)
			}
			if available == 0 {
				return "", fmt.Errorf("all providers down (%s)", strings.Join(down, "; "))
			}

			detail := fmt.Sprintf("%d/%d providers available", available, len(snapshot))
			if len(down) > 0 {
				detail += " (down: " + strings.Join(down, "; ") + ")"
			}
			return detail, nil
		},
	}
}
