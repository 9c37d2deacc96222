package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	mrand "math/rand/v2"
	"sync"
	"testing"
	"time"
)

type emission struct {
	target  string // room id, or connection id for direct sends
	direct  bool
	event   string
	payload any
}

// recordingEmitter captures everything the reassembler sends.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emission
}

func (e *recordingEmitter) EmitTo(roomID, event string, payload any, _ string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emission{target: roomID, event: event, payload: payload})
	return 1, nil
}

func (e *recordingEmitter) EmitToConnection(connID, event string, payload any) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emission{target: connID, direct: true, event: event, payload: payload})
	return true, nil
}

func (e *recordingEmitter) named(event string) []emission {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emission
	for _, ev := range e.events {
		if ev.event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (e *recordingEmitter) to(target, event string) []emission {
	var out []emission
	for _, ev := range e.named(event) {
		if ev.target == target {
			out = append(out, ev)
		}
	}
	return out
}

func newTestReassembler(cfg *Config) (*Reassembler, *recordingEmitter) {
	em := &recordingEmitter{}
	return NewReassembler(cfg, em, testLogger()), em
}

func randomFile(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

// split cuts file into n base64 chunks of ceil(len/n) bytes.
func split(file []byte, n int) []string {
	size := (len(file) + n - 1) / n
	chunks := make([]string, n)
	for i := range chunks {
		start := min(i*size, len(file))
		end := min(start+size, len(file))
		chunks[i] = base64.StdEncoding.EncodeToString(file[start:end])
	}
	return chunks
}

func testMeta(file []byte, chunks int, targets ...string) TransferMeta {
	return TransferMeta{
		Targets:      targets,
		Filename:     "notes.pdf",
		SubjectLabel: "Biology",
		MimeType:     "application/pdf",
		TotalChunks:  chunks,
		TotalSize:    int64(len(file)),
	}
}

func TestReassembler_OutOfOrderDelivery(t *testing.T) {
	r, em := newTestReassembler(testConfig())
	file := randomFile(t, 1048576)
	chunks := split(file, 4)
	meta := testMeta(file, 4, "dev-1", "dev-2")

	var last ChunkResult
	for _, i := range []int{2, 0, 3, 1} {
		res, err := r.Submit("teacher", meta, i, chunks[i])
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		last = res
	}
	if last.Status != ChunkCompleted {
		t.Errorf("last status = %v, want completed", last.Status)
	}

	var progress []int
	for _, ev := range em.to("dev-1", EventFileProgress) {
		progress = append(progress, ev.payload.(FileProgress).Progress)
	}
	want := []int{25, 50, 75, 100}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, progress[i], want[i])
		}
	}

	for _, dev := range []string{"dev-1", "dev-2"} {
		got := em.to(dev, EventUploadFileChunk)
		if len(got) != 1 {
			t.Fatalf("%s got %d deliveries, want 1", dev, len(got))
		}
		d := got[0].payload.(FileDelivery)
		if !bytes.Equal(d.File, file) {
			t.Errorf("%s received a corrupted file (%d bytes)", dev, len(d.File))
		}
		if d.Filename != "notes.pdf" || d.SubjectName != "Biology" || d.FileType != "application/pdf" {
			t.Errorf("%s delivery metadata = %+v", dev, d)
		}
	}

	acks := em.named(EventFileComplete)
	if len(acks) != 1 || !acks[0].direct || acks[0].target != "teacher" {
		t.Fatalf("acks = %+v, want one direct ack to teacher", acks)
	}
	ack := acks[0].payload.(FileComplete)
	if ack.TargetCount != 2 || ack.TotalSize != 1048576 {
		t.Errorf("ack = %+v", ack)
	}
	if ack.FileID != "notes.pdf_1048576_4" {
		t.Errorf("file id = %q", ack.FileID)
	}

	if r.Len() != 0 {
		t.Errorf("transfer record should be removed, %d left", r.Len())
	}
}

func TestReassembler_DuplicateChunk(t *testing.T) {
	r, em := newTestReassembler(testConfig())
	file := randomFile(t, 4000)
	chunks := split(file, 4)
	meta := testMeta(file, 4, "dev-1")

	if _, err := r.Submit("teacher", meta, 0, chunks[0]); err != nil {
		t.Fatal(err)
	}
	// Same index, different bytes: must not overwrite the stored slot.
	bogus := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xff}, 1000))
	res, err := r.Submit("teacher", meta, 0, bogus)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != ChunkDuplicate || res.Received != 1 {
		t.Errorf("duplicate result = %+v", res)
	}
	if got, total, ok := r.Progress(res.TransferID); !ok || got != 1 || total != 4 {
		t.Errorf("Progress = %d/%d ok=%v, want 1/4", got, total, ok)
	}
	if n := len(em.to("dev-1", EventFileProgress)); n != 1 {
		t.Errorf("duplicate emitted progress, got %d events", n)
	}

	for i := 1; i < 4; i++ {
		if _, err := r.Submit("teacher", meta, i, chunks[i]); err != nil {
			t.Fatal(err)
		}
	}
	got := em.to("dev-1", EventUploadFileChunk)
	if len(got) != 1 || !bytes.Equal(got[0].payload.(FileDelivery).File, file) {
		t.Error("file should be delivered intact despite the duplicate")
	}
}

func TestReassembler_PermutationRoundTrip(t *testing.T) {
	rng := mrand.New(mrand.NewPCG(7, 11))

	for trial := 0; trial < 20; trial++ {
		r, em := newTestReassembler(testConfig())
		n := 1 + rng.IntN(12)
		file := randomFile(t, 1+rng.IntN(5000))
		chunks := split(file, n)
		meta := testMeta(file, n, "dev-1")

		for _, i := range rng.Perm(n) {
			if _, err := r.Submit("teacher", meta, i, chunks[i]); err != nil {
				t.Fatalf("trial %d chunk %d: %v", trial, i, err)
			}
		}

		got := em.to("dev-1", EventUploadFileChunk)
		if len(got) != 1 {
			t.Fatalf("trial %d: %d deliveries", trial, len(got))
		}
		if !bytes.Equal(got[0].payload.(FileDelivery).File, file) {
			t.Fatalf("trial %d: reassembled file differs (n=%d, size=%d)", trial, n, len(file))
		}

		prev := -1
		for _, ev := range em.to("dev-1", EventFileProgress) {
			p := ev.payload.(FileProgress).Progress
			if p < prev {
				t.Fatalf("trial %d: progress went from %d to %d", trial, prev, p)
			}
			prev = p
		}
	}
}

func TestReassembler_ConcurrentCompletionOnce(t *testing.T) {
	r, em := newTestReassembler(testConfig())
	const n = 64
	file := randomFile(t, n*512)
	chunks := split(file, n)
	meta := testMeta(file, n, "dev-1", "dev-2")

	// The second round skips the last index so that duplicates arriving after
	// completion can never finish a second record.
	var wg sync.WaitGroup
	for round := 0; round < 2; round++ {
		for i := 0; i < n-round; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := r.Submit("teacher", meta, i, chunks[i]); err != nil {
					t.Errorf("chunk %d: %v", i, err)
				}
			}(i)
		}
	}
	wg.Wait()

	if got := len(em.named(EventFileComplete)); got != 1 {
		t.Errorf("file-complete fired %d times, want 1", got)
	}
	if got := len(em.named(EventUploadFileChunk)); got != 2 {
		t.Errorf("delivery fired %d times, want 2 (one per target)", got)
	}
	for _, ev := range em.named(EventUploadFileChunk) {
		if !bytes.Equal(ev.payload.(FileDelivery).File, file) {
			t.Error("concurrently reassembled file differs")
		}
	}
}

func TestReassembler_LifetimeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.TransferMaxLifetime = 50 * time.Millisecond
	r, em := newTestReassembler(cfg)
	file := randomFile(t, 100)
	chunks := split(file, 2)
	meta := testMeta(file, 2, "dev-1", "dev-2")

	if _, err := r.Submit("teacher", meta, 0, chunks[0]); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("transfer was not evicted after its lifetime")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, dev := range []string{"dev-1", "dev-2"} {
		errs := em.to(dev, EventFileError)
		if len(errs) != 1 {
			t.Fatalf("%s got %d file-error events, want 1", dev, len(errs))
		}
		if msg := errs[0].payload.(FileError).Error; msg != ErrTransferTimeout.Error() {
			t.Errorf("%s error = %q", dev, msg)
		}
	}
	if len(em.named(EventFileComplete)) != 0 {
		t.Error("timed-out transfer must not complete")
	}
}

func TestReassembler_CompletesBeforeLifetime(t *testing.T) {
	cfg := testConfig()
	cfg.TransferMaxLifetime = 300 * time.Millisecond
	r, em := newTestReassembler(cfg)
	file := randomFile(t, 100)
	chunks := split(file, 2)
	meta := testMeta(file, 2, "dev-1")

	if _, err := r.Submit("teacher", meta, 0, chunks[0]); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := r.Submit("teacher", meta, 1, chunks[1]); err != nil {
		t.Fatal(err)
	}

	// Let the lifetime pass; the cancelled timer must stay silent.
	time.Sleep(400 * time.Millisecond)
	if n := len(em.named(EventFileError)); n != 0 {
		t.Errorf("completed transfer produced %d file-error events", n)
	}
	if n := len(em.named(EventFileComplete)); n != 1 {
		t.Errorf("file-complete fired %d times, want 1", n)
	}
}

func TestReassembler_SweepIdle(t *testing.T) {
	clock := newFakeClock()
	r, em := newTestReassembler(testConfig())
	r.now = clock.Now

	file := randomFile(t, 100)
	chunks := split(file, 2)
	if _, err := r.Submit("teacher", testMeta(file, 2, "dev-1"), 0, chunks[0]); err != nil {
		t.Fatal(err)
	}

	if n := r.Sweep(clock.Now().Add(4 * time.Minute)); n != 0 {
		t.Errorf("swept %d transfers before the idle timeout", n)
	}
	if n := r.Sweep(clock.Now().Add(6 * time.Minute)); n != 1 {
		t.Errorf("swept %d transfers, want 1", n)
	}
	if r.Len() != 0 {
		t.Errorf("%d transfers left after sweep", r.Len())
	}
	if n := len(em.named(EventFileError)); n != 0 {
		t.Errorf("sweep must be silent, got %d file-error events", n)
	}
}

func TestReassembler_InvalidRequests(t *testing.T) {
	file := []byte("hello")
	chunk := base64.StdEncoding.EncodeToString(file)

	tests := []struct {
		name  string
		meta  TransferMeta
		index int
		chunk string
		want  error
	}{
		{"no targets", testMeta(file, 1), 0, chunk, ErrInvalidTransferRequest},
		{"no filename", TransferMeta{Targets: []string{"d"}, SubjectLabel: "s", TotalChunks: 1}, 0, chunk, ErrInvalidTransferRequest},
		{"no subject", TransferMeta{Targets: []string{"d"}, Filename: "f", TotalChunks: 1}, 0, chunk, ErrInvalidTransferRequest},
		{"zero chunks", testMeta(file, 0, "dev-1"), 0, chunk, ErrInvalidTransferRequest},
		{"negative index", testMeta(file, 1, "dev-1"), -1, chunk, ErrInvalidChunkIndex},
		{"index past end", testMeta(file, 1, "dev-1"), 1, chunk, ErrInvalidChunkIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, em := newTestReassembler(testConfig())

			_, err := r.Submit("teacher", tt.meta, tt.index, tt.chunk)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if r.Len() != 0 {
				t.Error("rejected chunk must not create a transfer")
			}
			errs := em.named(EventFileError)
			if len(errs) != 1 || !errs[0].direct || errs[0].target != "teacher" {
				t.Errorf("file-error emissions = %+v, want one to the sender", errs)
			}
			if len(em.named(EventFileProgress)) != 0 {
				t.Error("rejected chunk must not emit progress")
			}
		})
	}
}

func TestReassembler_InvalidChunkData(t *testing.T) {
	r, em := newTestReassembler(testConfig())
	file := randomFile(t, 10)
	meta := testMeta(file, 2, "dev-1")

	res, err := r.Submit("teacher", meta, 0, "%%% not base64 %%%")
	if !errors.Is(err, ErrInvalidChunkData) {
		t.Fatalf("err = %v, want ErrInvalidChunkData", err)
	}
	if got, _, _ := r.Progress(res.TransferID); got != 0 {
		t.Errorf("bad chunk counted as received (%d)", got)
	}
	if len(em.to("teacher", EventFileError)) != 1 {
		t.Error("sender should be told about the bad chunk")
	}
}

func TestDecodeChunk(t *testing.T) {
	want := []byte("classroom")
	for _, in := range []string{
		"Y2xhc3Nyb29t",
		"data:application/pdf;base64,Y2xhc3Nyb29t",
	} {
		got, err := decodeChunk(in)
		if err != nil || !bytes.Equal(got, want) {
			t.Errorf("decodeChunk(%q) = %q, %v", in, got, err)
		}
	}

	got, err := decodeChunk("aGk")
	if err != nil || string(got) != "hi" {
		t.Errorf("unpadded input = %q, %v", got, err)
	}
}

func TestReassembler_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.TransferSweepInterval = 10 * time.Millisecond
	r, _ := newTestReassembler(cfg)
	file := randomFile(t, 10)
	if _, err := r.Submit("teacher", testMeta(file, 2, "dev-1"), 0, split(file, 2)[0]); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if r.Len() != 0 {
		t.Errorf("%d transfers left after shutdown", r.Len())
	}
}
