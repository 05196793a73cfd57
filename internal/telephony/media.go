package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/nexusmiracle/callcore/internal/pipeline"
	"github.com/nexusmiracle/callcore/internal/session"
	"github.com/nexusmiracle/callcore/pkg/audio"
	"github.com/nexusmiracle/callcore/pkg/audio/vad"
)

const (
	// readIdleTimeout closes a media connection that goes quiet.
	readIdleTimeout = 30 * time.Second

	// eventChanCap bounds the per-call audio event channel.
	eventChanCap = 64
)

// mediaFrame is the JSON envelope on the carrier media WebSocket, both
// directions.
type mediaFrame struct {
	Event string        `json:"event"`
	Media *mediaPayload `json:"media,omitempty"`
}

// mediaPayload carries one base64 μ-law chunk.
type mediaPayload struct {
	Payload string `json:"payload"`
	Track   string `json:"track,omitempty"`
}

// MediaServer accepts the carrier's per-call media WebSocket, decodes
// inbound audio through the codec and VAD, and feeds the pipeline; the
// session's sequencer output is bound to the connection's send path.
type MediaServer struct {
	sessions *session.Manager
	orch     *pipeline.Orchestrator
	vad      vad.Engine
	vadCfg   vad.Config

	connections atomic.Int64
}

// NewMediaServer creates the media WebSocket server.
func NewMediaServer(sessions *session.Manager, orch *pipeline.Orchestrator, engine vad.Engine, vadCfg vad.Config) *MediaServer {
	return &MediaServer{
		sessions: sessions,
		orch:     orch,
		vad:      engine,
		vadCfg:   vadCfg,
	}
}

// Connections returns the number of live media WebSockets.
func (m *MediaServer) Connections() int64 {
	return m.connections.Load()
}

// Handle serves one media WebSocket. The request path must carry the
// call_control_id path value, and the session must already exist (created
// by the webhook on call.initiated).
func (m *MediaServer) Handle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("call_control_id")
	sess, ok := m.sessions.Get(id)
	if !ok {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("accept media websocket", "call_control_id", id, "error", err)
		return
	}

	m.connections.Add(1)
	defer m.connections.Add(-1)
	slog.Info("media stream connected", "call_control_id", id)

	vadSession, err := m.vad.NewSession(m.vadCfg)
	if err != nil {
		slog.Error("create vad session", "call_control_id", id, "error", err)
		conn.Close(websocket.StatusInternalError, "vad unavailable")
		return
	}
	sess.BindVAD(vadSession)

	ctx, cancel := context.WithCancel(sess.Context())
	defer cancel()

	// Outbound path: sequencer chunks become base64 μ-law media frames.
	sess.BindOutput(func(pcm []byte) {
		ulaw, err := audio.AIToTelnyx(pcm)
		if err != nil {
			slog.Warn("encode outbound audio", "call_control_id", id, "error", err)
			return
		}
		frame := mediaFrame{
			Event: "media",
			Media: &mediaPayload{
				Payload: base64.StdEncoding.EncodeToString(ulaw),
				Track:   "outbound",
			},
		}
		raw, _ := json.Marshal(frame)
		if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
			cancel()
		}
	})
	defer sess.BindOutput(nil)

	// Inbound path: frames drive VAD and the pipeline.
	eventCh := make(chan pipeline.AudioEvent, eventChanCap)
	go m.orch.RunCall(ctx, sess, eventCh)
	defer close(eventCh)

	m.readLoop(ctx, conn, sess, vadSession, eventCh)

	conn.Close(websocket.StatusNormalClosure, "stream ended")
	m.sessions.End(id, "media stream closed")
}

// readLoop consumes carrier frames until stop, disconnect, idle timeout, or
// session teardown.
func (m *MediaServer) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, vadSession vad.SessionHandle, eventCh chan<- pipeline.AudioEvent) {
	for {
		readCtx, cancelRead := context.WithTimeout(ctx, readIdleTimeout)
		_, raw, err := conn.Read(readCtx)
		cancelRead()
		if err != nil {
			if ctx.Err() == nil {
				slog.Info("media stream read ended", "call_control_id", sess.CallControlID, "error", err)
			}
			return
		}

		var frame mediaFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("malformed media frame", "call_control_id", sess.CallControlID, "error", err)
			continue
		}

		switch frame.Event {
		case "connected":
			// Carrier handshake; nothing to do yet.

		case "start":
			m.orch.PlayGreeting(ctx, sess)

		case "media":
			if frame.Media == nil || frame.Media.Track == "outbound" {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				slog.Warn("decode media payload", "call_control_id", sess.CallControlID, "error", err)
				continue
			}
			m.processInbound(sess, vadSession, ulaw, eventCh)

		case "stop":
			return
		}
	}
}

// processInbound converts one μ-law chunk to PCM16 16 kHz, classifies it,
// and forwards the event. A full channel drops the frame rather than
// stalling the read loop.
func (m *MediaServer) processInbound(sess *session.Session, vadSession vad.SessionHandle, ulaw []byte, eventCh chan<- pipeline.AudioEvent) {
	pcm := audio.TelnyxToAI(ulaw)

	ev, err := vadSession.ProcessFrame(pcm)
	if err != nil {
		slog.Warn("vad frame", "call_control_id", sess.CallControlID, "error", err)
		return
	}

	select {
	case eventCh <- pipeline.AudioEvent{Type: ev.Type, PCM: pcm}:
	default:
		slog.Warn("audio event channel full, dropping frame",
			"call_control_id", sess.CallControlID)
	}
}
