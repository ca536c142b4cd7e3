package main

import (
	"testing"

	"github.com/rl1809/clinic-core/internal/core/domain"
)

func TestRunPrefix_AvoidsRegisteredSchemes(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		prefix := runPrefix()
		if _, ok := domain.LookupScheme(prefix); ok {
			t.Fatalf("run prefix %s collides with a registered scheme", prefix)
		}
		scheme, err := domain.NewScheme(prefix, 6)
		if err != nil {
			t.Fatalf("NewScheme(%s): %v", prefix, err)
		}
		if scheme.Prefix != prefix {
			t.Errorf("expected prefix %s, got %s", prefix, scheme.Prefix)
		}
		if seen[prefix] {
			t.Errorf("prefix %s repeated", prefix)
		}
		seen[prefix] = true
	}
}
