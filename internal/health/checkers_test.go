package health

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/polyvox-ai/polyvox/internal/avail"
)

func TestProvidersChecker_OneAvailable(t *testing.T) {
	t.Parallel()

	cache := avail.New([]avail.Probe{
		{Provider: "deepgram", Checks: []avail.CheckFunc{
			func(context.Context) error { return errors.New("no key") },
		}},
		{Provider: "mock"},
	})

	c := ProvidersChecker(cache)
	detail, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("one available provider should be ready: %v", err)
	}
	if !strings.Contains(detail, "1/2 providers available") {
		t.Errorf("detail = %q, want availability count", detail)
	}
	if !strings.Contains(detail, "deepgram: no key") {
		t.Errorf("detail = %q, want down reason for deepgram", detail)
	}
}

func TestProvidersChecker_AllUnavailable(t *testing.T) {
	t.Parallel()

	cache := avail.New([]avail.Probe{
		{Provider: "deepgram", Checks: []avail.CheckFunc{
			func(context.Context) error { return errors.New("no key") },
		}},
	})

	c := ProvidersChecker(cache)
	_, err := c.Check(context.Background())
	if err == nil {
		t.Fatal("expected not-ready when every provider is unavailable")
	}
	if !strings.Contains(err.Error(), "deepgram: no key") {
		t.Errorf("err = %v, want per-provider reason", err)
	}
}

func TestProvidersChecker_NoneConfigured(t *testing.T) {
	t.Parallel()

	c := ProvidersChecker(avail.New(nil))
	if _, err := c.Check(context.Background()); err == nil {
		t.Error("expected not-ready with no configured providers")
	}
}
