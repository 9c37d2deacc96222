// E2E test: a receiver joins a device room, a sender uploads a file to it in
// shuffled chunks, and both sides check what the relay delivered.
// Usage: go run ./cmd/e2etest -relay ws://localhost:8443/ws
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	mrand "math/rand"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var (
	relayURL  = flag.String("relay", "ws://localhost:8443/ws", "relay WebSocket URL")
	fileSize  = flag.Int("size", 256*1024, "test file size in bytes")
	numChunks = flag.Int("chunks", 4, "number of chunks to split the file into")
	timeout   = flag.Duration("timeout", 15*time.Second, "overall deadline")
)

const deviceID = "e2e-device"

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type chunkPayload struct {
	Targets     []string `json:"targets"`
	Chunk       string   `json:"chunk"`
	Filename    string   `json:"filename"`
	SubjectName string   `json:"subjectName"`
	ChunkIndex  int      `json:"chunkIndex"`
	TotalChunks int      `json:"totalChunks"`
	FileType    string   `json:"fileType"`
	FileSize    int      `json:"fileSize"`
}

type delivery struct {
	FileID   string `json:"fileId"`
	File     []byte `json:"file"`
	Filename string `json:"filename"`
}

type completion struct {
	FileID      string `json:"fileId"`
	TargetCount int    `json:"targetCount"`
	TotalSize   int    `json:"totalSize"`
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Printf("E2E TEST FAILED: %v", err)
		os.Exit(1)
	}

	fmt.Println()
	log.Println("═══════════════════════════════")
	log.Println("  E2E TEST PASSED ✓")
	log.Println("═══════════════════════════════")
}

func run(ctx context.Context) error {
	log.Println(">> Connecting receiver...")
	receiver, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("receiver connect: %w", err)
	}
	defer receiver.CloseNow()

	if err := send(ctx, receiver, "join-server", deviceID); err != nil {
		return fmt.Errorf("join-server: %w", err)
	}
	// Frames on one connection are handled in order, so the pong proves the
	// join has been applied.
	if err := send(ctx, receiver, "ping", nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if _, err := readUntil(ctx, receiver, "pong"); err != nil {
		return fmt.Errorf("receiver pong: %w", err)
	}
	log.Println("   Receiver joined room ✓")

	log.Println(">> Connecting sender...")
	sender, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("sender connect: %w", err)
	}
	defer sender.CloseNow()
	log.Println("   Sender connected ✓")

	file := make([]byte, *fileSize)
	if _, err := rand.Read(file); err != nil {
		return fmt.Errorf("generate file: %w", err)
	}
	filename := fmt.Sprintf("e2e-%d.bin", time.Now().UnixNano())

	chunkSize := (len(file) + *numChunks - 1) / *numChunks
	order := mrand.Perm(*numChunks)
	log.Printf(">> Uploading %d bytes in %d chunks, order %v...", len(file), *numChunks, order)
	for _, i := range order {
		start := min(i*chunkSize, len(file))
		end := min(start+chunkSize, len(file))
		err := send(ctx, sender, "upload-file-chunk", chunkPayload{
			Targets:     []string{deviceID},
			Chunk:       base64.StdEncoding.EncodeToString(file[start:end]),
			Filename:    filename,
			SubjectName: "e2e",
			ChunkIndex:  i,
			TotalChunks: *numChunks,
			FileType:    "application/octet-stream",
			FileSize:    len(file),
		})
		if err != nil {
			return fmt.Errorf("send chunk %d: %w", i, err)
		}
	}
	log.Println("   Chunks sent ✓")

	raw, err := readUntil(ctx, receiver, "upload-file-chunk")
	if err != nil {
		return fmt.Errorf("receiver delivery: %w", err)
	}
	var got delivery
	if err := json.Unmarshal(raw, &got); err != nil {
		return fmt.Errorf("decode delivery: %w", err)
	}
	if got.Filename != filename || !bytes.Equal(got.File, file) {
		return fmt.Errorf("delivered file mismatch: name %q, %d bytes", got.Filename, len(got.File))
	}
	log.Printf("   Receiver got %s (%d bytes) ✓", got.Filename, len(got.File))

	raw, err = readUntil(ctx, sender, "file-complete")
	if err != nil {
		return fmt.Errorf("sender ack: %w", err)
	}
	var ack completion
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	if ack.TargetCount != 1 || ack.TotalSize != len(file) {
		return fmt.Errorf("unexpected ack %+v", ack)
	}
	log.Printf("   Sender got file-complete for %s ✓", ack.FileID)

	receiver.Close(websocket.StatusNormalClosure, "")
	sender.Close(websocket.StatusNormalClosure, "")
	return nil
}

func dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, *relayURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(int64(*fileSize)*2 + 1<<20)
	return conn, nil
}

func send(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	env := envelope{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = b
	}
	return wsjson.Write(ctx, conn, env)
}

// readUntil discards frames until one named event arrives and returns its
// payload.
func readUntil(ctx context.Context, conn *websocket.Conn, event string) (json.RawMessage, error) {
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return nil, err
		}
		if env.Event == "file-error" {
			return nil, fmt.Errorf("relay reported file-error: %s", env.Payload)
		}
		if env.Event == event {
			return env.Payload, nil
		}
	}
}
