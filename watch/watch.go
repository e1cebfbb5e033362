// Package watch exposes live coordination traffic over HTTP for
// operational dashboards: every envelope published on a bus channel is
// streamed to the client as it arrives, over Server-Sent Events or a
// WebSocket.
package watch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ottermc/groupsync/syncbus"
)

// SSEHandler streams raw bus envelopes over Server-Sent Events.
// The watched channel is taken from the "channel" query parameter.
func SSEHandler(bus syncbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, channel)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), channel, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", evt.Data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams raw bus envelopes over WebSocket.
// The watched channel is taken from the "channel" query parameter.
func WebSocketHandler(bus syncbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, channel)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), channel, ch)
		}()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, evt.Data); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
