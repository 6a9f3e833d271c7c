package mcp

import (
	"context"
	"os"
	"time"

	"dossier/internal/logging"
)

// ParentPollInterval is how often WatchParent checks the parent pid.
var ParentPollInterval = 2 * time.Second

// WatchParent calls cancel when the parent process goes away, so an MCP
// server whose client disconnected does not linger as an orphan. It only
// polls the parent pid: the stdio transport owns stdin and reading from it
// here would corrupt the JSON-RPC stream.
//
// The goroutine exits when ctx is done or the parent is gone.
func WatchParent(ctx context.Context, cancel context.CancelFunc) {
	ppid := os.Getppid()
	log := logging.New("mcp")
	go func() {
		t := time.NewTicker(ParentPollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if os.Getppid() != ppid {
					log.Warn("parent process exited, shutting down", "ppid", ppid)
					cancel()
					return
				}
			}
		}
	}()
}
