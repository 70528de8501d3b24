package enet

import (
	"errors"
	"math"
	"os"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	if err := Initialize(); err != nil {
		panic(err)
	}
	code := m.Run()
	Deinitialize()
	os.Exit(code)
}

func TestInitializeFailure(t *testing.T) {
	boom := errors.New("no entropy")
	orig := randRead
	randRead = func([]byte) (int, error) { return 0, boom }
	defer func() { randRead = orig }()

	if err := Initialize(); !errors.Is(err, boom) {
		t.Fatalf("expected initializer error, got %v", err)
	}
	// a failed initialize leaves the previous state untouched
	if !Initialized() {
		t.Fatalf("engine should still be initialized")
	}
}

func TestNotInitialized(t *testing.T) {
	Deinitialize()
	defer func() {
		if err := Initialize(); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}()

	if _, err := NewPacket([]byte("x"), 0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := NewHost(Config{PeerCount: 1}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestConnectIDsDiffer(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		id := nextConnectID()
		if seen[id] {
			t.Fatalf("connect id %d repeated after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestTimeArithmetic(t *testing.T) {
	if !timeLess(0xFFFFFFF0, 5) {
		t.Fatalf("wrapped time should compare as earlier")
	}
	if timeDifference(5, 0xFFFFFFF0) != 21 {
		t.Fatalf("unexpected wrapped difference %d", timeDifference(5, 0xFFFFFFF0))
	}
	if timeDifference(100, 40) != 60 || timeDifference(40, 100) != 60 {
		t.Fatalf("difference must be symmetric")
	}
}

func TestLinkedVersion(t *testing.T) {
	if LinkedVersion() != 1<<16|3<<8|18 {
		t.Fatalf("unexpected version %x", LinkedVersion())
	}
}

func TestServiceDeadlineClamped(t *testing.T) {
	const now = 0xFFFFFF00
	if d := serviceDeadline(now, 0); d != now {
		t.Fatalf("zero timeout moved the deadline to %d", d)
	}
	for _, timeout := range []time.Duration{
		time.Second,
		MaxServiceTimeout,
		math.MaxUint32 * time.Millisecond,
		60 * 24 * time.Hour,
		math.MaxInt64,
	} {
		d := serviceDeadline(now, timeout)
		if !timeLess(now, d) {
			t.Fatalf("timeout %v produced a deadline %d that is not after %d", timeout, d, uint32(now))
		}
	}
}
