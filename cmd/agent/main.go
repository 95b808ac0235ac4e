// Command agent is a small field client: it logs in, opens a realtime
// channel, follows entity changes for the account, and keeps the connection
// alive until interrupted.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/realtime"
)

func main() {
	godotenv.Load()

	serverURL := flag.String("server", envOr("SERVER_URL", "http://localhost:8080"), "server base URL")
	email := flag.String("email", os.Getenv("AGENT_EMAIL"), "account email")
	password := flag.String("password", os.Getenv("AGENT_PASSWORD"), "account password")
	deviceName := flag.String("device", "agent-cli", "device name")
	flag.Parse()

	if *email == "" || *password == "" {
		log.Fatal("email and password are required (flags or AGENT_EMAIL/AGENT_PASSWORD)")
	}

	token, deviceID, err := login(*serverURL, *email, *password, *deviceName)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	log.Printf("Logged in as %s (device %s)", *email, deviceID)

	channel := realtime.NewChannel(realtime.ChannelConfig{
		URL:      wsURL(*serverURL),
		Token:    token,
		DeviceID: deviceID,
	})

	channel.On(realtime.EventConnected, func(realtime.Event) {
		log.Println("Channel connected")
	})
	channel.On(realtime.EventDisconnected, func(e realtime.Event) {
		log.Printf("Channel disconnected: %v", e.Err)
	})
	channel.On(realtime.EventError, func(e realtime.Event) {
		log.Printf("Channel error: %v", e.Err)
	})
	channel.On(realtime.EventSyncUpdate, func(e realtime.Event) {
		log.Printf("Sync update: %s", e.Data)
	})
	channel.On(realtime.EventEntityChange, func(e realtime.Event) {
		log.Printf("Entity change (%s): %s", e.EntityType, e.Data)
	})
	channel.On(realtime.EventPresenceUpdate, func(e realtime.Event) {
		log.Printf("Presence update: %s", e.Data)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := channel.Connect(ctx); err != nil {
		log.Fatalf("Connect failed: %v", err)
	}

	resp, err := channel.RequestSync(ctx, string(models.EntityTasks), nil)
	if err != nil {
		log.Printf("Initial sync failed: %v", err)
	} else {
		log.Printf("Initial sync: %d created tasks, hasMore=%v",
			len(resp.Changes.Created[models.EntityTasks]), resp.HasMore)
	}

	<-ctx.Done()
	channel.Disconnect()
	log.Println("Agent stopped")
}

func login(serverURL, email, password, deviceName string) (string, uuid.UUID, error) {
	body, _ := json.Marshal(map[string]string{
		"email":       email,
		"password":    password,
		"device_name": deviceName,
		"device_type": "agent",
	})

	resp, err := http.Post(serverURL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", uuid.Nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", uuid.Nil, fmt.Errorf("login returned %s", resp.Status)
	}

	var out struct {
		Token     string    `json:"token"`
		DeviceID  uuid.UUID `json:"device_id"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", uuid.Nil, err
	}
	return out.Token, out.DeviceID, nil
}

func wsURL(serverURL string) string {
	switch {
	case len(serverURL) > 8 && serverURL[:8] == "https://":
		return "wss://" + serverURL[8:] + "/ws"
	case len(serverURL) > 7 && serverURL[:7] == "http://":
		return "ws://" + serverURL[7:] + "/ws"
	}
	return serverURL + "/ws"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
