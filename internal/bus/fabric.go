package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	nc "github.com/nats-io/nats.go"
)

// Fabric runs an embedded NATS server in-process and wraps a client
// connection to it. Running embedded (rather than a standalone broker
// process) keeps the whole runtime to one process per host.
type Fabric struct {
	server *natsserver.Server
	conn   *nc.Conn
}

// subjectPrefix namespaces every subject this runtime publishes on.
const subjectPrefix = "andy.bus."

// NewFabric starts the embedded server and connects a client to it.
func NewFabric() (*Fabric, error) {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           natsserver.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded nats server did not become ready in time")
	}

	conn, err := nc.Connect(srv.ClientURL(),
		nc.ReconnectWait(time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[BUS] disconnected from embedded nats: %v", err)
			}
		}),
	)
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded nats server: %w", err)
	}

	return &Fabric{server: srv, conn: conn}, nil
}

// Close closes the client connection and shuts the embedded server down.
func (f *Fabric) Close() {
	if f.conn != nil {
		f.conn.Close()
	}
	if f.server != nil {
		f.server.Shutdown()
	}
}

// subjectFor returns the NATS subject a conversation's bursts are published
// and consumed on.
func subjectFor(conversationFolder string) string {
	return subjectPrefix + conversationFolder
}

// publishBatch marshals and publishes an admitted burst for the Group Queue
// to consume.
func (f *Fabric) publishBatch(conversationFolder string, batch []Message) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal burst: %w", err)
	}
	if err := f.conn.Publish(subjectFor(conversationFolder), data); err != nil {
		return fmt.Errorf("failed to publish burst for %s: %w", conversationFolder, err)
	}
	return nil
}

// Subscribe lets the Group Queue attach a handler for a conversation's
// subject. Returned unsubscribe func is idempotent.
func (f *Fabric) Subscribe(conversationFolder string, handler func([]Message)) (func(), error) {
	sub, err := f.conn.Subscribe(subjectFor(conversationFolder), func(msg *nc.Msg) {
		var batch []Message
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			log.Printf("[BUS] failed to unmarshal burst on %s: %v", msg.Subject, err)
			return
		}
		handler(batch)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", conversationFolder, err)
	}
	return func() { sub.Unsubscribe() }, nil
}
