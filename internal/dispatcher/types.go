// Package dispatcher is the Dispatcher Core's orchestration glue: it binds
// the Message Bus (C5), Group Queue (C6), Container Pool (C7), IPC Fabric
// (C8), and Channel Adapters (C12) into the end-to-end turn lifecycle —
// admitted burst in, queued entry acquired, pooled instance given the
// prompt over its IPC slot, framed stdout output extracted, delivered back
// out over the owning channel adapter. It also implements
// heartbeat.Runner/Deliverer so the Heartbeat (C10) and Scheduler (C9) run
// synthesized turns through this exact same pipeline.
package dispatcher

import (
	"github.com/andyrt/andy/internal/bus"
	"github.com/andyrt/andy/internal/channels"
)

// registration is everything the dispatcher needs to route a
// conversation's queued entries to the right pooled instance and the
// right outbound channel adapter.
type registration struct {
	conv        bus.Conversation
	folder      string
	adapter     channels.Adapter
	unsubscribe func()
}
