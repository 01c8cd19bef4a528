package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	server "stonefall/server"
	wspkg "stonefall/server/internal/net/ws"
	"stonefall/server/internal/observability"
	"stonefall/server/internal/telemetry"
)

// HTTPHandlerConfig tunes the public HTTP surface.
type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
}

// NewHTTPHandler exposes join, diagnostics and the websocket endpoint.
func NewHTTPHandler(hub *server.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string                     `json:"status"`
			ServerTime int64                      `json:"serverTime"`
			TickRate   int                        `json:"tickRate"`
			Heartbeat  int64                      `json:"heartbeatMillis"`
			Sync       server.DiagnosticsSnapshot `json:"sync"`
			Telemetry  map[string]uint64          `json:"telemetry"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			TickRate:   server.TickRate(),
			Heartbeat:  server.HeartbeatInterval().Milliseconds(),
			Sync:       hub.DiagnosticsSnapshot(),
			Telemetry:  hub.TelemetrySnapshot(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/join", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}

		join, err := hub.Join()
		if err != nil {
			httpError(w, err.Error(), nethttp.StatusServiceUnavailable)
			return
		}
		data, err := json.Marshal(join)
		if err != nil {
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	mux.HandleFunc("/ws", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		raw := r.URL.Query().Get("id")
		parsed, err := strconv.ParseUint(raw, 10, 8)
		if err != nil || parsed == 0 {
			httpError(w, "missing or invalid id", nethttp.StatusBadRequest)
			return
		}
		peerID := uint8(parsed)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("upgrade failed for peer %d: %v", peerID, err)
			return
		}

		session := wspkg.NewSession(conn, 10*time.Second)
		if !hub.Subscribe(peerID, session) {
			session.CloseWithPolicyViolation("unknown peer")
			return
		}

		servePeer(hub, peerID, session, logger)
	})

	if cfg.Observability.EnablePprofTrace {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

// servePeer pumps heartbeat pings and inbound binary frames for one session
// until the connection drops.
func servePeer(hub *server.Hub, peerID uint8, session *wspkg.Session, logger telemetry.Logger) {
	heartbeat := server.HeartbeatInterval()
	session.SetPongHandler(3*heartbeat, func(clientSent int64) {
		hub.UpdateHeartbeat(peerID, time.Now(), clientSent)
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := session.Ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		payload, err := session.ReadBinary()
		if err != nil {
			hub.Disconnect(peerID, "read failed")
			return
		}
		if err := hub.HandleFrame(peerID, payload); err != nil {
			logger.Printf("discarding malformed frame from peer %d: %v", peerID, err)
		}
	}
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
