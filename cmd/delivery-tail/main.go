// ABOUTME: Minimal client that tails a user's delivery stream over WebSocket.
// ABOUTME: Usage: delivery-tail [-addr localhost:8090] [-user ID | -token JWT] [-json]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-delivery/internal/event"
)

const heartbeatInterval = 30 * time.Second

func main() {
	addr := flag.String("addr", "localhost:8090", "delivery server HTTP address")
	user := flag.String("user", "", "user ID (only honored when the server has auth disabled)")
	token := flag.String("token", os.Getenv("COVEN_DELIVERY_TOKEN"), "bearer token")
	raw := flag.Bool("json", false, "print raw JSON frames")
	flag.Parse()

	if *user == "" && *token == "" {
		log.Fatal("one of -user or -token is required")
	}

	if err := run(*addr, *user, *token, *raw); err != nil {
		log.Fatal(err)
	}
}

func run(addr, user, token string, raw bool) error {
	q := url.Values{}
	if user != "" {
		q.Set("user_id", user)
	}
	if token != "" {
		q.Set("token", token)
	}
	target := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: q.Encode()}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	go heartbeat(ctx, conn)
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if raw {
			fmt.Println(string(data))
			continue
		}

		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("malformed frame: %v", err)
			continue
		}
		printEvent(&ev)
	}
}

// heartbeat keeps the server's idle sweep from evicting us.
func heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	frame := []byte(`{"type":"` + string(event.TypeHeartbeat) + `"}`)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Only data writer on this conn.
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func printEvent(ev *event.Event) {
	ts := color.HiBlackString(ev.Timestamp.Local().Format("15:04:05"))

	var kind string
	switch {
	case ev.Type == event.TypeError:
		kind = color.RedString("%-22s", ev.Type)
	case ev.Type.System():
		kind = color.HiBlackString("%-22s", ev.Type)
	default:
		kind = color.CyanString("%-22s", ev.Type)
	}

	line := fmt.Sprintf("%s %s", ts, kind)
	if ev.ThreadID != "" {
		line += color.YellowString(" [%s]", ev.ThreadID)
	}
	if len(ev.Data) > 0 {
		data, _ := json.Marshal(ev.Data)
		line += " " + string(data)
	}
	fmt.Println(line)
}
