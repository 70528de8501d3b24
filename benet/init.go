package benet

import (
	"fmt"
	"sync"

	"github.com/TheusHen/benet/benet/internal/enet"
)

var (
	initMu    sync.Mutex
	initCount int

	engineInit   = enet.Initialize
	engineDeinit = enet.Deinitialize
)

// initGuard keeps the engine initialized while it is held. Every Host and
// every Packet holds one.
type initGuard struct {
	released bool
}

func acquireInit() (*initGuard, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if initCount == 0 {
		if err := engineInit(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInit, err)
		}
	}
	initCount++
	return &initGuard{}, nil
}

func (g *initGuard) clone() *initGuard {
	initMu.Lock()
	defer initMu.Unlock()
	initCount++
	return &initGuard{}
}

// release drops the guard; only the first call has an effect.
func (g *initGuard) release() {
	initMu.Lock()
	defer initMu.Unlock()

	if g.released {
		return
	}
	g.released = true
	initCount--
	if initCount == 0 {
		engineDeinit()
	}
}

func liveGuards() int {
	initMu.Lock()
	defer initMu.Unlock()
	return initCount
}
