package preview

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"adder.codec/internal/event"
	"adder.codec/internal/framer/scale"
	"adder.codec/internal/protocol"
)

func testServer(bits int) *Server {
	return NewServer(Config{
		RunID:      "run-1",
		Width:      32,
		Height:     32,
		OutputBits: bits,
		Params: scale.Params{
			Source:        scale.SourceU8,
			TicksPerFrame: 255,
			PracticalDMax: 20,
			DeltaTMax:     255,
			Mode:          scale.ViewIntensity,
		},
	}, log.New(io.Discard, "", 0))
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"::1":            true,
		"10.0.0.2:80":    false,
		"example:80":     false,
		"":               false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestBootstrapHandler(t *testing.T) {
	s := testServer(8)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/preview/bootstrap", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	s.BootstrapHandler()(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d", rr.Code)
	}
	var h protocol.HelloMsg
	if err := json.Unmarshal(rr.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Type != protocol.TypeHello || h.Width != 32 || h.ViewMode != "intensity" || h.OutputBits != 8 {
		t.Fatalf("hello=%+v", h)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/preview/bootstrap", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	s.BootstrapHandler()(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-loopback code=%d want 403", rr.Code)
	}
}

func TestValue_FollowsOutputBits(t *testing.T) {
	e := event.Event{D: 7, DeltaT: 256}
	if v := testServer(8).Value(e); v != 127 {
		t.Fatalf("u8 value=%d want 127", v)
	}
	want := uint64(scale.FrameValue[uint16](e, testServer(16).cfg.Params))
	if v := testServer(16).Value(e); v != want {
		t.Fatalf("u16 value=%d want %d", v, want)
	}
}

func TestWSHandler_StreamsSamples(t *testing.T) {
	s := testServer(8)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/preview/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello protocol.HelloMsg
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.RunID != "run-1" {
		t.Fatalf("hello=%+v", hello)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Subscribers() != 1 {
		t.Fatalf("subscribers=%d want 1", s.Subscribers())
	}

	s.Publish([]event.Event{
		{Coord: event.Coord{X: 3, Y: 4, C: event.Chan(1)}, D: 7, DeltaT: 256},
		{Coord: event.Coord{X: 5, Y: 6}, D: event.DNoEvent, DeltaT: 10},
	})

	var batch protocol.SampleBatchMsg
	if err := conn.ReadJSON(&batch); err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if batch.Type != protocol.TypeSamples || batch.Seq != 1 || len(batch.Samples) != 2 {
		t.Fatalf("batch=%+v", batch)
	}
	if got := batch.Samples[0]; got.X != 3 || got.Y != 4 || got.C != 1 || got.Value != 127 {
		t.Fatalf("sample[0]=%+v", got)
	}
	if got := batch.Samples[1]; got.Value != 0 {
		t.Fatalf("sample[1]=%+v want zero value past d max", got)
	}

	_ = conn.Close()
	deadline = time.Now().Add(5 * time.Second)
	for s.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber not removed after close")
	}
}

func TestPublish_CountsDropsForSlowSubscriber(t *testing.T) {
	s := testServer(8)
	sub := &subscriber{out: make(chan []byte, 1)}
	s.subs[1] = sub

	ev := []event.Event{{D: 1, DeltaT: 1}, {D: 2, DeltaT: 1}}
	s.Publish(ev)
	s.Publish(ev)
	s.Publish(ev)
	if sub.dropped != 4 {
		t.Fatalf("dropped=%d want 4", sub.dropped)
	}

	<-sub.out
	s.Publish(ev)
	var m protocol.SampleBatchMsg
	if err := json.Unmarshal(<-sub.out, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Dropped != 4 || sub.dropped != 0 {
		t.Fatalf("msg dropped=%d sub dropped=%d", m.Dropped, sub.dropped)
	}
}
