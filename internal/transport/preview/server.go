package preview

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"adder.codec/internal/event"
	"adder.codec/internal/framer/scale"
	"adder.codec/internal/protocol"
)

type Config struct {
	RunID      string
	Width      int
	Height     int
	OutputBits int
	Params     scale.Params
}

// Server pushes events, rendered as frame values, to loopback websocket
// subscribers. Publish never blocks: a subscriber that cannot keep up loses
// batches and is told how many samples it missed.
type Server struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	seq      atomic.Uint64

	mu   sync.Mutex
	subs map[uint64]*subscriber
}

type subscriber struct {
	out     chan []byte
	dropped uint64 // guarded by Server.mu
}

func NewServer(cfg Config, logger *log.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		subs: map[uint64]*subscriber{},
	}
}

func (s *Server) hello() protocol.HelloMsg {
	return protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		RunID:           s.cfg.RunID,
		Width:           s.cfg.Width,
		Height:          s.cfg.Height,
		SourceType:      s.cfg.Params.Source.String(),
		ViewMode:        s.cfg.Params.Mode.String(),
		OutputBits:      s.cfg.OutputBits,
		TicksPerFrame:   s.cfg.Params.TicksPerFrame,
		DeltaTMax:       s.cfg.Params.DeltaTMax,
	}
}

// Value renders e at the configured output depth.
func (s *Server) Value(e event.Event) uint64 {
	p := s.cfg.Params
	switch s.cfg.OutputBits {
	case 16:
		return uint64(scale.FrameValue[uint16](e, p))
	case 32:
		return uint64(scale.FrameValue[uint32](e, p))
	case 64:
		return scale.FrameValue[uint64](e, p)
	default:
		return uint64(scale.FrameValue[uint8](e, p))
	}
}

func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish renders events and fans the batch out to every subscriber.
func (s *Server) Publish(events []event.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}

	msg := protocol.SampleBatchMsg{
		Type:            protocol.TypeSamples,
		ProtocolVersion: protocol.Version,
		Seq:             s.seq.Add(1),
		Samples:         make([]protocol.Sample, 0, len(events)),
	}
	for _, e := range events {
		msg.Samples = append(msg.Samples, protocol.Sample{
			X:     e.Coord.X,
			Y:     e.Coord.Y,
			C:     e.Coord.Channel(),
			Value: s.Value(e),
		})
	}
	shared, err := json.Marshal(msg)
	if err != nil {
		s.log.Printf("preview: marshal: %v", err)
		return
	}

	for _, sub := range s.subs {
		b := shared
		if sub.dropped > 0 {
			m := msg
			m.Dropped = sub.dropped
			if b, err = json.Marshal(m); err != nil {
				continue
			}
		}
		select {
		case sub.out <- b:
			sub.dropped = 0
		default:
			sub.dropped += uint64(len(events))
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.hello())
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hb, _ := json.Marshal(s.hello())
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
			return
		}

		id := s.nextID.Add(1)
		sub := &subscriber{out: make(chan []byte, 64)}
		s.mu.Lock()
		s.subs[id] = sub
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Clients only listen; reading surfaces the close.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Mux serves /preview/bootstrap and /preview/ws.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/preview/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/preview/ws", s.WSHandler())
	return mux
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
