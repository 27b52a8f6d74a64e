package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tfolkman/omi-transcription/internal/audio"
	"github.com/tfolkman/omi-transcription/internal/intake"
	"github.com/tfolkman/omi-transcription/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 1024,
	// Devices connect directly, not from browser pages
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamAck is sent to the device for every segment written to the queue
type streamAck struct {
	Status   string `json:"status"`
	Session  string `json:"session"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleWebSocket implements GET /ws/stream. Binary frames carry raw PCM that
// is buffered and queued as a stream-chunk every stream_flush_seconds and
// when the connection closes.
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if err := intake.ValidateOwner(uid); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sampleRate, channels, bitDepth, err := formatParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	audioCfg := h.deps.Config.Audio
	if sampleRate == 0 {
		sampleRate = audioCfg.SampleRate
	}
	if channels == 0 {
		channels = audioCfg.Channels
	}
	if bitDepth == 0 {
		bitDepth = audioCfg.BitDepth
	}

	buffer, err := audio.NewStreamBuffer(sampleRate, channels, bitDepth, audioCfg.GetStreamFlushDuration())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(h.deps.Config.HTTP.GetMaxUploadBytes())

	session := &streamSession{
		id:         uuid.NewString(),
		uid:        uid,
		sampleRate: sampleRate,
		channels:   channels,
		bitDepth:   bitDepth,
		buffer:     buffer,
		conn:       conn,
		server:     h,
		startTime:  time.Now(),
	}

	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordStreamOpened()
	}

	h.logger.Info("Audio stream opened",
		slog.String("session", session.id),
		slog.String("uid", uid),
		slog.Int("sample_rate", sampleRate),
	)

	session.run()

	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordStreamClosed(time.Since(session.startTime).Seconds())
	}
}

// streamSession is one device websocket connection
type streamSession struct {
	id         string
	uid        string
	sampleRate int
	channels   int
	bitDepth   int
	buffer     *audio.StreamBuffer
	conn       *websocket.Conn
	server     *HTTPServer
	startTime  time.Time
	segments   int
}

// run reads frames until the device disconnects, then queues what is left
func (s *streamSession) run() {
	logger := s.server.logger

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Audio stream read failed",
					slog.String("session", s.id),
					slog.String("error", err.Error()),
				)
			}
			break
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		if s.buffer.Write(data) {
			if !s.submit(s.buffer.Flush()) {
				return
			}
		}
	}

	s.submit(s.buffer.Close())

	stats := s.buffer.GetStats()
	logger.Info("Audio stream closed",
		slog.String("session", s.id),
		slog.String("uid", s.uid),
		slog.Int("segments", s.segments),
		slog.Uint64("bytes_received", stats.TotalBytes),
		slog.Uint64("bytes_dropped", stats.DroppedBytes),
		slog.Duration("duration", time.Since(s.startTime)),
	)
}

// submit queues one segment and acknowledges it. It returns false when the
// connection should be closed.
func (s *streamSession) submit(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}

	unit, err := s.server.deps.Intake.Submit(intake.Request{
		OwnerID:    s.uid,
		Payload:    pcm,
		Origin:     queue.OriginStreamChunk,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		BitDepth:   s.bitDepth,
	})

	if err != nil {
		s.conn.WriteJSON(streamAck{Status: "error", Session: s.id, Error: err.Error()})

		// The device should reconnect and resend once storage recovers
		if errors.Is(err, queue.ErrStorageWrite) {
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "queue unavailable"))
			return false
		}
		return true
	}

	s.segments++
	s.conn.WriteJSON(streamAck{Status: "queued", Session: s.id, Filename: unit.Filename()})
	return true
}
