package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/omnimind/pkg/provider/live"
	"github.com/MrWong99/omnimind/pkg/provider/live/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for the next event or fails the test.
func nextEvent(t *testing.T, c live.Conn) live.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *json.RawMessage `json:"inputAudioTranscription"`
			OutputAudioTranscription *json.RawMessage `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{
		Instructions:        "You are OmniMind.",
		Voice:               "Zephyr",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case msg := <-received:
		if want := "models/" + live.DefaultModel; msg.Setup.Model != want {
			t.Errorf("model = %q; want %q", msg.Setup.Model, want)
		}
		if m := msg.Setup.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != "AUDIO" {
			t.Errorf("responseModalities = %v; want [AUDIO]", m)
		}
		if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Zephyr" {
			t.Errorf("voiceName = %q; want Zephyr", v)
		}
		if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) == 0 ||
			msg.Setup.SystemInstruction.Parts[0].Text != "You are OmniMind." {
			t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
		}
		if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
			t.Error("transcription flags missing from setup")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_OmitsDisabledTranscription(t *testing.T) {
	t.Parallel()

	raw := make(chan map[string]map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]map[string]any
		readJSON(t, conn, &msg)
		raw <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case msg := <-raw:
		if _, ok := msg["setup"]["inputAudioTranscription"]; ok {
			t.Error("inputAudioTranscription present although disabled")
		}
		if _, ok := msg["setup"]["outputAudioTranscription"]; ok {
			t.Error("outputAudioTranscription present although disabled")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestWithModel_SetsDefaultModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	c, err := p.Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case model := <-modelCh:
		if want := "models/custom-model"; model != want {
			t.Errorf("model = %q; want %q", model, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model in setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv))).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case q := <-query:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if _, err := newProvider(srv).Connect(context.Background(), live.Config{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_OpenedOnSetupComplete(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		sendSetupComplete(t, conn) // duplicates must not produce a second event
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if ev := nextEvent(t, c); ev.Type != live.EventOpened {
		t.Fatalf("first event = %v; want OPENED", ev.Type)
	}
	if ev := nextEvent(t, c); ev.Type != live.EventMessage || !ev.Message.TurnComplete {
		t.Fatalf("second event = %+v; want turnComplete MESSAGE", ev)
	}
}

func TestEvents_ServerContentMapping(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAEC"}},
						{"text": "ignored"},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AwQF"}},
					},
				},
				"outputTranscription": map[string]any{"text": "Hello there"},
				"inputTranscription":  map[string]any{"text": "hi"},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"usageMetadata": map[string]any{"totalTokenCount": 3}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	nextEvent(t, c) // opened

	ev := nextEvent(t, c)
	if ev.Type != live.EventMessage {
		t.Fatalf("event = %v; want MESSAGE", ev.Type)
	}
	m := ev.Message
	if len(m.Audio) != 2 || m.Audio[0].Data != "AAEC" || m.Audio[1].Data != "AwQF" {
		t.Errorf("audio = %+v; want both inline parts in order", m.Audio)
	}
	if m.Audio[0].MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("mimeType = %q", m.Audio[0].MIMEType)
	}
	if m.OutputTranscription == nil || m.OutputTranscription.Text != "Hello there" {
		t.Errorf("outputTranscription = %+v", m.OutputTranscription)
	}
	if m.InputTranscription == nil || m.InputTranscription.Text != "hi" {
		t.Errorf("inputTranscription = %+v", m.InputTranscription)
	}

	if ev := nextEvent(t, c); ev.Type != live.EventMessage || !ev.Message.Interrupted {
		t.Fatalf("event = %+v; want interrupted MESSAGE", ev)
	}
	// usageMetadata carries nothing of interest and is skipped.
	if ev := nextEvent(t, c); ev.Type != live.EventMessage || !ev.Message.TurnComplete {
		t.Fatalf("event = %+v; want turnComplete MESSAGE", ev)
	}
}

func TestEvents_MalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if ev := nextEvent(t, c); ev.Type != live.EventOpened {
		t.Fatalf("event = %v; want OPENED after malformed frame", ev.Type)
	}
}

func TestEvents_ServerErrorKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 400, "message": "bad voice", "status": "INVALID_ARGUMENT"},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	nextEvent(t, c) // opened
	ev := nextEvent(t, c)
	if ev.Type != live.EventMessage || ev.Message.ServerError == nil {
		t.Fatalf("event = %+v; want MESSAGE carrying the server error", ev)
	}
	if got := ev.Message.ServerError.Error(); !strings.Contains(got, "bad voice") || !strings.Contains(got, "INVALID_ARGUMENT") {
		t.Errorf("err = %q; want message and status", got)
	}
	if ev := nextEvent(t, c); ev.Type != live.EventMessage || !ev.Message.TurnComplete {
		t.Fatalf("event = %+v; want turn complete after the error", ev)
	}
}

func TestEvents_RemoteNormalCloseEndsCleanly(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	nextEvent(t, c) // opened
	ev := nextEvent(t, c)
	if ev.Type != live.EventClosed || ev.Err != nil {
		t.Fatalf("event = %+v; want clean CLOSED", ev)
	}
	if _, ok := <-c.Events(); ok {
		t.Error("event channel still open after CLOSED")
	}
}

func TestEvents_RemoteAbnormalCloseReportsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	nextEvent(t, c) // opened
	if ev := nextEvent(t, c); ev.Type != live.EventError {
		t.Fatalf("event = %v; want ERROR", ev.Type)
	}
	ev := nextEvent(t, c)
	if ev.Type != live.EventClosed || ev.Err == nil {
		t.Fatalf("event = %+v; want CLOSED with cause", ev)
	}
}

// ── Send / Close ──────────────────────────────────────────────────────────────

func TestSend_EncodesRealtimeInput(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	chunk := live.MediaChunk{MIMEType: "audio/pcm;rate=16000", Data: "AQIDBA=="}
	if err := c.Send(context.Background(), chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("got %d media chunks; want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		if chunks[0].Data != "AQIDBA==" {
			t.Errorf("data = %q; want AQIDBA==", chunks[0].Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestClose_IdempotentAndEndsEvents(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(srv).Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, c) // opened

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ev := nextEvent(t, c)
	if ev.Type != live.EventClosed || ev.Err != nil {
		t.Fatalf("event = %+v; want clean CLOSED", ev)
	}

	if err := c.Send(context.Background(), live.MediaChunk{}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after Close = %v; want ErrClosed", err)
	}
}
