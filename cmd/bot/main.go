// Command bot runs headless wander clients against a world server. Each
// bot joins over the websocket, decodes the snapshot to find its player
// entity, streams pose updates at the network rate, and answers
// keepalives. Useful for load poking and protocol smoke tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"driftworld/server/internal/entity"
	"driftworld/server/internal/proto"
)

const (
	walkSpeed = 4.0
	runSpeed  = 8.0
)

type packet struct {
	tag  proto.Tag
	body []byte
}

type botClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan packet
	done  chan error

	mu       sync.Mutex
	playerID string
}

func main() {
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "world server websocket url")
	clientCount := flag.Int("clients", 1, "number of bot clients")
	rate := flag.Int("rate", 8, "pose updates per second")
	duration := flag.Duration("duration", 30*time.Second, "how long to wander")
	flag.Parse()

	if *clientCount < 1 {
		fmt.Println("clients must be >= 1")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration+15*time.Second)
	defer cancel()

	bots := make([]*botClient, 0, *clientCount)
	for index := 0; index < *clientCount; index++ {
		client, err := newBotClient(ctx, *wsURL, fmt.Sprintf("bot-%d", index+1))
		if err != nil {
			fail(err)
		}
		bots = append(bots, client)
	}
	defer func() {
		for _, client := range bots {
			client.close()
		}
	}()

	var wg sync.WaitGroup
	for _, client := range bots {
		wg.Add(1)
		go func(c *botClient) {
			defer wg.Done()
			if err := c.run(ctx, *rate, *duration); err != nil {
				fmt.Printf("%s: %v\n", c.name, err)
			}
		}(client)
	}
	wg.Wait()

	fmt.Println("bot: wander complete")
}

func newBotClient(ctx context.Context, wsURL, name string) (*botClient, error) {
	conn, err := dialWithRetry(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	client := &botClient{
		name:  name,
		conn:  conn,
		inbox: make(chan packet, 256),
		done:  make(chan error, 1),
	}
	go client.readLoop()
	return client, nil
}

func (c *botClient) close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *botClient) readLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.done <- err
			close(c.done)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		tag, body, err := proto.Decode(data)
		if err != nil {
			continue
		}
		if tag == proto.TagPing {
			var ping proto.Ping
			if proto.DecodePayload(body, &ping) == nil {
				_ = c.send(proto.TagPong, proto.Pong{Time: ping.Time})
			}
			continue
		}
		select {
		case c.inbox <- packet{tag: tag, body: body}:
		default:
		}
	}
}

func (c *botClient) send(tag proto.Tag, payload any) error {
	data, err := proto.Encode(tag, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// run waits for admission, renames itself, then wanders until the clock
// runs out.
func (c *botClient) run(ctx context.Context, rate int, duration time.Duration) error {
	snap, err := c.waitForSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	playerID := ""
	pos := []float64{0, 1, 0}
	for _, rec := range snap.Entities {
		if rec.Kind == string(entity.KindPlayer) && rec.Owner == snap.ID {
			playerID = rec.ID
			if len(rec.Position) == 3 {
				pos = append([]float64(nil), rec.Position...)
			}
			break
		}
	}
	if playerID == "" {
		return fmt.Errorf("snapshot carries no player for session %s", snap.ID)
	}
	c.mu.Lock()
	c.playerID = playerID
	c.mu.Unlock()

	if err := c.send(proto.TagChatAdded, proto.ChatRecord{
		Body: "/name " + c.name,
	}); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	yaw := rand.Float64() * 2 * math.Pi
	running := false
	period := time.Second / time.Duration(rate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	deadline := time.After(duration)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.done:
			if err != nil {
				return err
			}
			return fmt.Errorf("connection closed")
		case <-deadline:
			return nil
		case <-ticker.C:
			// Drift the heading a little every tick, occasionally sprint.
			yaw += (rand.Float64() - 0.5) * 0.4
			if rand.IntN(40) == 0 {
				running = !running
			}
			speed := walkSpeed
			emote := entity.EmoteWalk
			if running {
				speed = runSpeed
				emote = entity.EmoteRun
			}
			dt := period.Seconds()
			pos[0] += math.Sin(yaw) * speed * dt
			pos[2] += math.Cos(yaw) * speed * dt

			patch := proto.EntityModified{
				ID: playerID,
				P:  []float64{pos[0], pos[1], pos[2]},
				Q:  []float64{0, math.Sin(yaw / 2), 0, math.Cos(yaw / 2)},
				E:  emote,
			}
			if err := c.send(proto.TagEntityModified, patch); err != nil {
				return fmt.Errorf("pose: %w", err)
			}
		}
	}
}

func (c *botClient) waitForSnapshot(ctx context.Context) (proto.Snapshot, error) {
	for {
		select {
		case p := <-c.inbox:
			if p.tag != proto.TagSnapshot {
				continue
			}
			var snap proto.Snapshot
			if err := proto.DecodePayload(p.body, &snap); err != nil {
				continue
			}
			return snap, nil
		case err := <-c.done:
			if err != nil {
				return proto.Snapshot{}, err
			}
			return proto.Snapshot{}, fmt.Errorf("connection closed")
		case <-ctx.Done():
			return proto.Snapshot{}, ctx.Err()
		}
	}
}

func dialWithRetry(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		return nil, fmt.Errorf("invalid ws url: %s", wsURL)
	}
	var lastErr error
	for attempt := 0; attempt < 12; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(180 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func fail(err error) {
	fmt.Println(err.Error())
	os.Exit(1)
}
