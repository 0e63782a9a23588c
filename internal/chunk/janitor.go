package chunk

import (
	"context"
	"log"
	"time"
)

const sweepInterval = 30 * time.Second

// StartSweep runs a background loop that evicts reassembly buffers idle for
// longer than the given timeout. Abandoned transfers (sender gone without a
// disconnect we observed, or uploads stalled client-side) would otherwise
// accumulate for the life of the process. The loop exits when ctx is done.
func StartSweep(ctx context.Context, a *Assembler, idle time.Duration) {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("chunk: sweep loop stopped")
				return
			case <-ticker.C:
				if removed := a.Sweep(idle); removed > 0 {
					log.Printf("chunk: swept %d idle reassembly buffers", removed)
				}
			}
		}
	}()
}
