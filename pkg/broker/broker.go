// SPDX-License-Identifier: GPL-2.0-or-later

// Package broker implements the JSON WebSocket API: request/response
// command dispatch plus fan-out of events to all peers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"camproxy/pkg/log"

	"github.com/gorilla/websocket"
)

// HandlerFunc handles one command. The returned value is written as
// the result, an error becomes a failed result frame.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Broker dispatches commands and broadcasts events.
type Broker struct {
	logger log.ILogger

	serverVersion string
	clientVersion string

	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[*peer]struct{}
	handlers map[string]HandlerFunc
}

// NewBroker returns a broker.
func NewBroker(logger log.ILogger, serverVersion, clientVersion string) *Broker {
	return &Broker{
		logger:        logger,
		serverVersion: serverVersion,
		clientVersion: clientVersion,
		peers:         map[*peer]struct{}{},
		handlers:      map[string]HandlerFunc{},
	}
}

func (b *Broker) logf(level log.Level, format string, a ...interface{}) {
	b.logger.Log(log.Entry{
		Level: level,
		Src:   "api",
		Msg:   fmt.Sprintf(format, a...),
	})
}

// Handle registers a command handler.
func (b *Broker) Handle(command string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[command] = handler
}

func (b *Broker) handler(command string) (HandlerFunc, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handler, exist := b.handlers[command]
	return handler, exist
}

func (b *Broker) handlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

// PeerCount returns the number of connected peers.
func (b *Broker) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

type peer struct {
	conn *websocket.Conn

	// gorilla allows a single concurrent writer.
	writeMu sync.Mutex
}

func (p *peer) writeJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.writeRaw(raw)
}

func (p *peer) writeRaw(raw []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, raw)
}

// Frame shapes.
type (
	versionFrame struct {
		Type          string `json:"type"`
		ServerVersion string `json:"serverVersion"`
		ClientVersion string `json:"clientVersion"`
	}
	resultFrame struct {
		Type      string      `json:"type"`
		MessageID string      `json:"messageId"`
		Success   bool        `json:"success"`
		Result    interface{} `json:"result,omitempty"`
		ErrorCode string      `json:"errorCode,omitempty"`
	}
	errorFrame struct {
		Type         string `json:"type"`
		Error        string `json:"error"`
		Message      string `json:"message"`
		OriginalType string `json:"originalType,omitempty"`
	}
	eventFrame struct {
		Type  string      `json:"type"`
		Event interface{} `json:"event"`
	}
	request struct {
		MessageID string `json:"messageId"`
		Command   string `json:"command"`
	}
)

// Handler upgrades connections at the API path.
func (b *Broker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Refuse connections until the command set is wired up.
		if b.handlerCount() == 0 {
			http.Error(w, "no command handlers registered",
				http.StatusServiceUnavailable)
			return
		}

		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logf(log.LevelDebug, "upgrade: %v", err)
			return
		}

		p := &peer{conn: conn}

		err = p.writeJSON(versionFrame{
			Type:          "version",
			ServerVersion: b.serverVersion,
			ClientVersion: b.clientVersion,
		})
		if err != nil {
			conn.Close()
			return
		}

		b.mu.Lock()
		b.peers[p] = struct{}{}
		b.mu.Unlock()

		b.readLoop(r.Context(), p)
		b.detach(p)
	})
}

func (b *Broker) readLoop(ctx context.Context, p *peer) {
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			p.writeJSON(errorFrame{ //nolint:errcheck
				Type:    "error",
				Error:   "invalid_json",
				Message: err.Error(),
			})
			continue
		}
		if req.Command == "" {
			p.writeJSON(errorFrame{ //nolint:errcheck
				Type:         "error",
				Error:        "missing_command",
				Message:      "command field is required",
				OriginalType: req.MessageID,
			})
			continue
		}

		go b.dispatch(ctx, p, req, raw)
	}
}

func (b *Broker) dispatch(ctx context.Context, p *peer, req request, raw []byte) {
	handler, exist := b.handler(req.Command)
	if !exist {
		p.writeJSON(resultFrame{ //nolint:errcheck
			Type:      "result",
			MessageID: req.MessageID,
			Success:   false,
			ErrorCode: "Unknown command",
		})
		return
	}

	result, err := handler(ctx, raw)
	if err != nil {
		p.writeJSON(resultFrame{ //nolint:errcheck
			Type:      "result",
			MessageID: req.MessageID,
			Success:   false,
			ErrorCode: err.Error(),
		})
		return
	}

	p.writeJSON(resultFrame{ //nolint:errcheck
		Type:      "result",
		MessageID: req.MessageID,
		Success:   true,
		Result:    result,
	})
}

// Publish broadcasts an event to every peer. The frame is serialized
// once, write errors detach the peer.
func (b *Broker) Publish(event interface{}) {
	raw, err := json.Marshal(eventFrame{Type: "event", Event: event})
	if err != nil {
		b.logf(log.LevelError, "marshal event: %v", err)
		return
	}

	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		if err := p.writeRaw(raw); err != nil {
			b.logf(log.LevelDebug, "event write: %v", err)
			b.detach(p)
		}
	}
}

func (b *Broker) detach(p *peer) {
	b.mu.Lock()
	_, exist := b.peers[p]
	delete(b.peers, p)
	b.mu.Unlock()

	if exist {
		p.conn.Close()
	}
}

// Close closes every peer connection.
func (b *Broker) Close() {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = map[*peer]struct{}{}
	b.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
}
