package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// event is the envelope duckd sends on its state websocket.
type event struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type stateInit struct {
	Trigger       string `json:"trigger"`
	Target        string `json:"target"`
	Ducked        bool   `json:"ducked"`
	TargetPresent bool   `json:"target_present"`
	LowerVolume   int    `json:"lower_volume"`
	NormalVolume  int    `json:"normal_volume"`
	DucksFired    int    `json:"ducks_fired"`
	RestoresFired int    `json:"restores_fired"`
}

type levelData struct {
	Level int `json:"level"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3011/ws/state", "duckd state websocket URL")
		raw   = flag.Bool("raw", false, "Print messages as received instead of formatting them")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Pings and the close frame are written from different goroutines.
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	// duckd pings every 20s; answering resets our deadline too.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			fmt.Println(formatEvent(message))
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// formatEvent renders one state message as a single line.
func formatEvent(message []byte) string {
	var ev event
	if err := json.Unmarshal(message, &ev); err != nil {
		return fmt.Sprintf("[TEXT] %s", message)
	}

	ts := ev.Ts.Local().Format("15:04:05.000")

	switch ev.Type {
	case "state_init":
		var s stateInit
		if err := json.Unmarshal(ev.Data, &s); err != nil {
			break
		}
		state := "normal"
		if s.Ducked {
			state = "ducked"
		}
		return fmt.Sprintf("%s [STATE] %s, %s present=%v, trigger %s, lower %d%% normal %d%% (%d ducks, %d restores)",
			ts, state, s.Target, s.TargetPresent, s.Trigger, s.LowerVolume, s.NormalVolume, s.DucksFired, s.RestoresFired)

	case "ducked", "restored":
		var l levelData
		if err := json.Unmarshal(ev.Data, &l); err != nil {
			break
		}
		tag := "DUCKED"
		if ev.Type == "restored" {
			tag = "RESTORED"
		}
		return fmt.Sprintf("%s [%s] %d%%", ts, tag, l.Level)

	case "target_present":
		return fmt.Sprintf("%s [TARGET] present", ts)

	case "target_absent":
		return fmt.Sprintf("%s [TARGET] absent", ts)
	}

	return fmt.Sprintf("%s [%s] %s", ts, ev.Type, ev.Data)
}
