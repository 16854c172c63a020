package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/omnimind/pkg/provider/live"
	livemock "github.com/MrWong99/omnimind/pkg/provider/live/mock"
)

func TestLiveFallback_PrimaryConnects(t *testing.T) {
	t.Parallel()
	primary := &livemock.Provider{}
	secondary := &livemock.Provider{}
	f := NewLiveFallback(primary, "gemini", FallbackConfig{})
	f.AddFallback("openai", secondary)

	cfg := live.Config{Voice: "Zephyr"}
	conn, err := f.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if conn != live.Conn(primary.LastConn()) {
		t.Error("Connect should return the primary's connection")
	}
	calls := primary.ConnectCalls()
	if len(calls) != 1 || calls[0].Cfg.Voice != "Zephyr" {
		t.Errorf("primary calls = %+v", calls)
	}
	if n := len(secondary.ConnectCalls()); n != 0 {
		t.Errorf("secondary Connect called %d times, want 0", n)
	}
}

func TestLiveFallback_FailsOver(t *testing.T) {
	t.Parallel()
	primary := &livemock.Provider{ConnectErr: errors.New("dial refused")}
	secondary := &livemock.Provider{}
	f := NewLiveFallback(primary, "gemini", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	f.AddFallback("openai", secondary)

	for i := range 2 {
		conn, err := f.Connect(context.Background(), live.Config{})
		if err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
		conn.Close()
	}

	if n := len(primary.ConnectCalls()); n != 1 {
		t.Errorf("primary Connect called %d times, want 1 (breaker should skip it)", n)
	}
	if n := len(secondary.ConnectCalls()); n != 2 {
		t.Errorf("secondary Connect called %d times, want 2", n)
	}
	if got := f.Breakers(); got["gemini"] != StateOpen || got["openai"] != StateClosed {
		t.Errorf("Breakers() = %v", got)
	}
	if !f.Available() {
		t.Error("Available() = false with a healthy fallback")
	}
}

func TestLiveFallback_AllFail(t *testing.T) {
	t.Parallel()
	dialErr := errors.New("dial refused")
	f := NewLiveFallback(&livemock.Provider{ConnectErr: dialErr}, "gemini", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})

	_, err := f.Connect(context.Background(), live.Config{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, dialErr) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the dial error", err)
	}
	if f.Available() {
		t.Error("Available() = true with every breaker open")
	}
}

func TestLiveFallback_CancelledContext(t *testing.T) {
	t.Parallel()
	primary := &livemock.Provider{}
	f := NewLiveFallback(primary, "gemini", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Connect(ctx, live.Config{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(primary.ConnectCalls()); n != 0 {
		t.Errorf("Connect called %d times with a cancelled context", n)
	}
	if !f.Available() {
		t.Error("cancellation must not open the breaker")
	}
}
