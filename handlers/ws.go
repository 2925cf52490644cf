package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/middleware"
	"github.com/clipforge/clipforge-api/progress"
	"github.com/clipforge/clipforge-api/requests"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type wsError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type wsCommand struct {
	Type    string `json:"type"`
	VideoID int64  `json:"video_id"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession is one progress socket. Each subscribed video holds a bus
// subscription whose forward goroutine funnels deltas into send; writePump
// drains send onto the wire. Slow sockets drop frames rather than block the
// bus.
type wsSession struct {
	d    *APIHandlersCollection
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu   sync.Mutex
	subs map[int64]*progress.Subscription

	requestID string
}

// ProgressSocket upgrades the connection and serves progress frames until
// the client goes away. The path token stands in for the Authorization
// header, which browser WebSocket clients cannot set.
func (d *APIHandlersCollection) ProgressSocket() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		if !middleware.TokenMatches(d.Cli.APIToken, params.ByName("token")) {
			errors.WriteHTTPUnauthorized(w, "Invalid token", nil)
			return
		}
		conn, err := wsUpgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade has already written its own error response.
			return
		}
		s := &wsSession{
			d:         d,
			conn:      conn,
			send:      make(chan []byte, 64),
			done:      make(chan struct{}),
			subs:      map[int64]*progress.Subscription{},
			requestID: requests.GetRequestId(req),
		}
		go s.writePump()
		s.readPump(req.Context())
	}
}

func (s *wsSession) readPump(ctx context.Context) {
	defer func() {
		close(s.done)
		s.closeSubs()
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var cmd wsCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.enqueue(wsError{Type: "error", Message: "cannot parse message"})
			continue
		}
		switch cmd.Type {
		case "subscribe":
			s.subscribe(ctx, cmd.VideoID)
		case "ping":
			s.enqueue(wsMessage{Type: "pong"})
		case "request_status_update":
			s.statusUpdate(ctx, cmd.VideoID)
		default:
			s.enqueue(wsError{Type: "error", Message: fmt.Sprintf("unknown message type %q", cmd.Type)})
		}
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe registers the socket for one video's deltas and pushes the
// current snapshot right away. Subscribing twice just refreshes the snapshot.
func (s *wsSession) subscribe(ctx context.Context, videoID int64) {
	if videoID == 0 {
		s.enqueue(wsError{Type: "error", Message: "subscribe requires video_id"})
		return
	}
	v, err := s.d.Store.GetVideo(ctx, videoID)
	if errors.IsObjectNotFound(err) {
		s.enqueue(wsError{Type: "error", Message: fmt.Sprintf("video %d not found", videoID)})
		return
	}
	if err != nil {
		s.enqueue(wsError{Type: "error", Message: "cannot load video"})
		return
	}

	s.mu.Lock()
	_, already := s.subs[videoID]
	var sub *progress.Subscription
	if !already {
		sub = s.d.Bus.Subscribe(v.UserID, videoID)
		s.subs[videoID] = sub
	}
	s.mu.Unlock()

	if sub != nil {
		go s.forward(sub)
	}
	s.statusUpdate(ctx, videoID)
}

func (s *wsSession) forward(sub *progress.Subscription) {
	for delta := range sub.C() {
		s.enqueue(wsMessage{Type: "progress_update", Data: delta})
	}
}

func (s *wsSession) statusUpdate(ctx context.Context, videoID int64) {
	if videoID == 0 {
		s.enqueue(wsError{Type: "error", Message: "request_status_update requires video_id"})
		return
	}
	snap, err := s.d.State.Snapshot(ctx, videoID)
	if errors.IsObjectNotFound(err) {
		s.enqueue(wsError{Type: "error", Message: fmt.Sprintf("video %d not found", videoID)})
		return
	}
	if err != nil {
		s.enqueue(wsError{Type: "error", Message: "cannot load progress"})
		return
	}
	s.enqueue(wsMessage{Type: "progress_update", Data: snap})
}

func (s *wsSession) enqueue(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.LogError(s.requestID, "Cannot marshal progress frame", err)
		return
	}
	select {
	case s.send <- payload:
	case <-s.done:
	default:
		log.Log(s.requestID, "Dropping progress frame for slow socket")
	}
}

func (s *wsSession) closeSubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		sub.Close()
		delete(s.subs, id)
	}
}
