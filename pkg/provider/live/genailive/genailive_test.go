package genailive

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/omnimind/pkg/provider/live"
	"github.com/coder/websocket"
	"google.golang.org/genai"
)

// fakeLiveServer starts a WebSocket server that reads the setup message and
// hands the connection to script. It returns a ws:// base URL.
func fakeLiveServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		if _, _, err := c.Read(r.Context()); err != nil {
			t.Errorf("read setup: %v", err)
			return
		}
		script(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drainEvents collects events until the channel is closed.
func drainEvents(t *testing.T, c live.Conn) []live.Event {
	t.Helper()
	var out []live.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timeout; events so far: %v", out)
		}
	}
}

func TestReceive_ServerCloseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    websocket.StatusCode
		wantError bool
	}{
		{"normal closure", websocket.StatusNormalClosure, false},
		{"going away", websocket.StatusGoingAway, false},
		{"internal error", websocket.StatusInternalError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			url := fakeLiveServer(t, func(ctx context.Context, c *websocket.Conn) {
				if err := c.Write(ctx, websocket.MessageText, []byte(`{"setupComplete":{}}`)); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				_ = c.Close(tt.status, "bye")
			})

			p := New("test-key", WithBaseURL(url))
			conn, err := p.Connect(context.Background(), live.Config{})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			t.Cleanup(func() { _ = conn.Close() })

			events := drainEvents(t, conn)
			var types []live.EventType
			for _, ev := range events {
				types = append(types, ev.Type)
			}
			want := []live.EventType{live.EventOpened, live.EventClosed}
			if tt.wantError {
				want = []live.EventType{live.EventOpened, live.EventError, live.EventClosed}
			}
			if len(types) != len(want) {
				t.Fatalf("events = %v; want %v", types, want)
			}
			for i := range want {
				if types[i] != want[i] {
					t.Fatalf("events = %v; want %v", types, want)
				}
			}
			last := events[len(events)-1]
			if tt.wantError && last.Err == nil {
				t.Error("EventClosed carries no cause for an abnormal close")
			}
			if !tt.wantError && last.Err != nil {
				t.Errorf("EventClosed cause = %v; want nil for a clean close", last.Err)
			}
		})
	}
}

func TestConnectConfig(t *testing.T) {
	t.Parallel()

	lc := connectConfig(live.Config{
		Voice:              "Zephyr",
		Instructions:       "be nice",
		ResponseModalities: []live.Modality{live.ModalityAudio},
		InputTranscription: true,
	})

	if len(lc.ResponseModalities) != 1 || lc.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("ResponseModalities = %v; want [AUDIO]", lc.ResponseModalities)
	}
	if got := lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Zephyr" {
		t.Errorf("voice = %q; want Zephyr", got)
	}
	if lc.SystemInstruction == nil || len(lc.SystemInstruction.Parts) != 1 ||
		lc.SystemInstruction.Parts[0].Text != "be nice" {
		t.Errorf("SystemInstruction = %+v", lc.SystemInstruction)
	}
	if lc.InputAudioTranscription == nil {
		t.Error("InputAudioTranscription not set")
	}
	if lc.OutputAudioTranscription != nil {
		t.Error("OutputAudioTranscription set although disabled")
	}
	if lc.HTTPOptions != nil {
		t.Error("request-level HTTPOptions must stay nil for live sessions")
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x00, 0xff, 0x7f}

	tests := []struct {
		name       string
		in         *genai.LiveServerMessage
		wantOpened bool
		wantNil    bool
		check      func(t *testing.T, m *live.Message)
	}{
		{name: "nil", in: nil, wantNil: true},
		{
			name:       "setup complete",
			in:         &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}},
			wantOpened: true,
			wantNil:    true,
		},
		{
			name:    "usage only",
			in:      &genai.LiveServerMessage{UsageMetadata: &genai.UsageMetadata{}},
			wantNil: true,
		},
		{
			name:    "empty server content",
			in:      &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{}},
			wantNil: true,
		},
		{
			name: "audio parts",
			in: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				ModelTurn: &genai.Content{Parts: []*genai.Part{
					{InlineData: &genai.Blob{Data: pcm, MIMEType: "audio/pcm;rate=24000"}},
					{Text: "skip"},
					nil,
				}},
			}},
			check: func(t *testing.T, m *live.Message) {
				if len(m.Audio) != 1 {
					t.Fatalf("len(Audio) = %d; want 1", len(m.Audio))
				}
				if want := base64.StdEncoding.EncodeToString(pcm); m.Audio[0].Data != want {
					t.Errorf("Data = %q; want %q", m.Audio[0].Data, want)
				}
				if m.Audio[0].MIMEType != "audio/pcm;rate=24000" {
					t.Errorf("MIMEType = %q", m.Audio[0].MIMEType)
				}
			},
		},
		{
			name: "transcriptions and flags",
			in: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				InputTranscription:  &genai.Transcription{Text: "hello"},
				OutputTranscription: &genai.Transcription{Text: "hi there"},
				Interrupted:         true,
				TurnComplete:        true,
			}},
			check: func(t *testing.T, m *live.Message) {
				if m.InputTranscription == nil || m.InputTranscription.Text != "hello" {
					t.Errorf("InputTranscription = %+v", m.InputTranscription)
				}
				if m.OutputTranscription == nil || m.OutputTranscription.Text != "hi there" {
					t.Errorf("OutputTranscription = %+v", m.OutputTranscription)
				}
				if !m.Interrupted || !m.TurnComplete {
					t.Errorf("flags = %+v", m)
				}
			},
		},
		{
			name: "empty transcription ignored",
			in: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
				OutputTranscription: &genai.Transcription{},
			}},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, opened := translate(tt.in)
			if opened != tt.wantOpened {
				t.Errorf("opened = %v; want %v", opened, tt.wantOpened)
			}
			if tt.wantNil {
				if m != nil {
					t.Errorf("message = %+v; want nil", m)
				}
				return
			}
			if m == nil {
				t.Fatal("message = nil")
			}
			tt.check(t, m)
		})
	}
}

func TestRealtimeInput(t *testing.T) {
	t.Parallel()

	in, err := realtimeInput(live.MediaChunk{MIMEType: "audio/pcm;rate=16000", Data: "AQIDBA=="})
	if err != nil {
		t.Fatalf("realtimeInput: %v", err)
	}
	if in.Audio == nil {
		t.Fatal("Audio blob not set")
	}
	if in.Audio.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", in.Audio.MIMEType)
	}
	if want := []byte{1, 2, 3, 4}; string(in.Audio.Data) != string(want) {
		t.Errorf("Data = %v; want %v", in.Audio.Data, want)
	}

	if _, err := realtimeInput(live.MediaChunk{Data: "%%%"}); err == nil {
		t.Error("expected error for invalid base64 payload")
	}
}
