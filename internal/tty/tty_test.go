// The test is skipped when stdin is not a terminal, which is always true
// under "go test" since it redirects standard input. Build a test binary and
// run it directly against a real terminal to exercise it.
package tty_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kore-kernel/kore/internal/tty"
)

type recorder struct {
	keys []byte
}

func (r *recorder) OnKey(key byte) { r.keys = append(r.keys, key) }

func TestConsoleDeliversKeys(t *testing.T) {
	console, err := tty.NewConsole(os.Stdin, os.Stdout)
	if errors.Is(err, tty.ErrNoTTY) {
		t.Skipf("not a terminal: %s", err)
	}
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer console.Restore()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	rec := &recorder{}
	if err := console.Run(ctx, rec); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("unexpected error: %s", err)
	}
}
