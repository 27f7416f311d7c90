package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/emma/internal/realtime"
	"github.com/ent0n29/emma/internal/reliability"
)

func main() {
	_ = godotenv.Load()

	var (
		relayURL     = flag.String("relay", "http://localhost:8080", "base URL of the emma relay")
		channelURL   = flag.String("channel", "wss://api.openai.com/v1/realtime", "control-event channel endpoint")
		model        = flag.String("model", "gpt-4o-realtime-preview-2024-10-01", "realtime model for the event channel")
		voice        = flag.String("voice", "", "voice override (alloy, echo, fable, onyx, nova, shimmer)")
		instructions = flag.String("instructions", "", "instructions override")
		temperature  = flag.Float64("temperature", -1, "temperature override in [0, 2]; negative keeps the default")
		archive      = flag.Bool("archive", true, "archive transcripts through the relay")
	)
	flag.Parse()

	relay := realtime.NewRelayClient(*relayURL)
	dialer := realtime.NewWebsocketDialer(realtime.ChannelConfig{
		BaseURL: *channelURL,
		Model:   *model,
	})

	obs := realtime.Observer{
		OnStateChange: func(old, new realtime.State) {
			log.Printf("state: %s -> %s", old, new)
		},
		OnChannelOpen: func() {
			fmt.Println("connected; speak when ready (ctrl-c to hang up)")
		},
		OnTranscript: func(entry realtime.TranscriptEntry) {
			fmt.Printf("[%s] %s\n", entry.Speaker, entry.Text)
			if *archive {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := relay.RecordTranscript(ctx, entry); err != nil {
					log.Printf("transcript archive failed: %v", err)
				}
			}
		},
		OnUserSpeaking: func(speaking bool) {
			if speaking {
				log.Printf("listening...")
			}
		},
		OnError: func(e *reliability.Error) {
			log.Printf("error [%s/%s]: %s", e.Category, e.Code, e.UserMessage)
		},
	}

	manager := realtime.NewManager(relay, relay, realtime.NoopMediaDevice{}, dialer, obs, realtime.ManagerConfig{})

	overrides := realtime.Overrides{
		Voice:        *voice,
		Instructions: *instructions,
	}
	if *temperature >= 0 {
		overrides.Temperature = temperature
	}

	ctx := context.Background()
	if err := manager.Connect(ctx, overrides); err != nil {
		if ve, ok := reliability.AsError(err); ok {
			log.Fatalf("connect failed [%s/%s]: %s", ve.Category, ve.Code, ve.Message)
		}
		log.Fatalf("connect failed: %v", err)
	}
	if sess := manager.Session(); sess != nil {
		log.Printf("session %s active, expires %s", sess.ID, sess.ExpiresAt.Format(time.RFC3339))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Disconnect(disconnectCtx); err != nil {
		log.Printf("disconnect: %v", err)
	}
	log.Printf("disconnected")
}
