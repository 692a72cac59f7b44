package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/yamachu/voicevox/internal/protocol"
)

// NATSTransport carries envelopes over core NATS subjects, one inbox per
// peer. Core delivery is at-most-once and ordered per publisher, which is
// exactly the contract the channel is written against.
type NATSTransport struct {
	conn     *nats.Conn
	sendSubj string
	recvSubj string
	log      *slog.Logger
	sub      *nats.Subscription
}

func NewNATSTransport(conn *nats.Conn, sendSubject, recvSubject string, log *slog.Logger) *NATSTransport {
	return &NATSTransport{
		conn:     conn,
		sendSubj: sendSubject,
		recvSubj: recvSubject,
		log:      log.With(slog.String("component", "channel-transport")),
	}
}

func (t *NATSTransport) Start(deliver func(protocol.Envelope)) error {
	sub, err := t.conn.Subscribe(t.recvSubj, func(msg *nats.Msg) {
		var env protocol.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.log.Warn("dropping malformed envelope", slog.String("error", err.Error()))
			return
		}
		deliver(env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.recvSubj, err)
	}
	t.sub = sub
	return nil
}

func (t *NATSTransport) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return t.conn.Publish(t.sendSubj, data)
}

func (t *NATSTransport) Close() error {
	if t.sub != nil {
		return t.sub.Drain()
	}
	return nil
}
