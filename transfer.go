package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// maxTransferChunks bounds the slot table a single upload can allocate.
const maxTransferChunks = 1 << 20

var (
	ErrInvalidTransferRequest = errors.New("invalid transfer request")
	ErrInvalidChunkIndex      = errors.New("invalid chunk index")
	ErrInvalidChunkData       = errors.New("invalid chunk data")
	ErrTransferTimeout        = errors.New("transfer timed out")
	ErrReassemblyFailure      = errors.New("reassembly failed")
)

// Emitter is the slice of the Hub the reassembler delivers through.
type Emitter interface {
	EmitTo(roomID, event string, payload any, exclude string) (int, error)
	EmitToConnection(connID, event string, payload any) (bool, error)
}

// TransferMeta is the metadata repeated on every chunk of an upload.
// Targets are room ids.
type TransferMeta struct {
	Targets      []string
	Filename     string
	SubjectLabel string
	MimeType     string
	TotalChunks  int
	TotalSize    int64
}

func (m TransferMeta) validate() error {
	switch {
	case len(m.Targets) == 0:
		return fmt.Errorf("%w: no targets", ErrInvalidTransferRequest)
	case m.Filename == "":
		return fmt.Errorf("%w: missing filename", ErrInvalidTransferRequest)
	case m.SubjectLabel == "":
		return fmt.Errorf("%w: missing subject", ErrInvalidTransferRequest)
	case m.TotalChunks <= 0:
		return fmt.Errorf("%w: totalChunks must be positive, got %d", ErrInvalidTransferRequest, m.TotalChunks)
	case m.TotalChunks > maxTransferChunks:
		return fmt.Errorf("%w: totalChunks %d exceeds %d", ErrInvalidTransferRequest, m.TotalChunks, maxTransferChunks)
	case m.TotalSize < 0:
		return fmt.Errorf("%w: negative fileSize", ErrInvalidTransferRequest)
	}
	return nil
}

// TransferID identifies one logical upload. It is derived from the file's
// name, size and chunk count so that retried or duplicated chunks of the
// same file land on the same record.
type TransferID string

func transferIDFor(m TransferMeta) TransferID {
	return TransferID(fmt.Sprintf("%s_%d_%d", m.Filename, m.TotalSize, m.TotalChunks))
}

type ChunkStatus int

const (
	ChunkAccepted ChunkStatus = iota
	ChunkDuplicate
	ChunkCompleted
)

type ChunkResult struct {
	TransferID TransferID
	Status     ChunkStatus
	Received   int
	Total      int
}

// FileTransfer is one in-flight upload. All fields are guarded by mu.
type FileTransfer struct {
	mu sync.Mutex

	id        TransferID
	meta      TransferMeta
	sender    string
	slots     [][]byte
	filled    []bool
	received  int
	chunkSize int64
	createdAt time.Time
	updatedAt time.Time
	lifetime  *time.Timer
	done      bool
}

func (ft *FileTransfer) assemble() []byte {
	size := 0
	for _, s := range ft.slots {
		size += len(s)
	}
	buf := make([]byte, 0, size)
	for _, s := range ft.slots {
		buf = append(buf, s...)
	}
	return buf
}

// Reassembler collects base64 chunks into whole files and hands them to
// their target rooms.
//
// Lock order is transfer before table: code holding a FileTransfer's mu may
// take r.mu, never the reverse.
type Reassembler struct {
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	idleTimeout   time.Duration
	maxLifetime   time.Duration
	sweepInterval time.Duration

	mu        sync.Mutex
	transfers map[TransferID]*FileTransfer
}

func NewReassembler(cfg *Config, emitter Emitter, logger *slog.Logger) *Reassembler {
	return &Reassembler{
		emitter:       emitter,
		logger:        logger.With(slog.String("component", "reassembler")),
		now:           time.Now,
		idleTimeout:   cfg.TransferIdleTimeout,
		maxLifetime:   cfg.TransferMaxLifetime,
		sweepInterval: cfg.TransferSweepInterval,
		transfers:     make(map[TransferID]*FileTransfer),
	}
}

// Run sweeps idle transfers every sweep interval until ctx is cancelled.
func (r *Reassembler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.discardAll()
			return nil
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Info("swept idle transfers", slog.Int("count", n))
			}
		}
	}
}

// Submit stores one chunk sent by the connection sender. Duplicate chunk
// indexes are accepted without effect. When the last missing chunk arrives
// the file is assembled, delivered to every target and acknowledged to the
// sender, and the record is dropped.
func (r *Reassembler) Submit(sender string, meta TransferMeta, index int, chunk string) (ChunkResult, error) {
	if err := meta.validate(); err != nil {
		transfersTotal.WithLabelValues("rejected").Inc()
		r.reportToSender(sender, "", meta.Filename, err)
		return ChunkResult{}, err
	}

	id := transferIDFor(meta)
	if index < 0 || index >= meta.TotalChunks {
		err := fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidChunkIndex, index, meta.TotalChunks)
		r.reportToSender(sender, id, meta.Filename, err)
		return ChunkResult{TransferID: id, Total: meta.TotalChunks}, err
	}

	for {
		ft := r.getOrCreate(id, meta, sender)
		res, retry, err := r.submitLocked(ft, sender, index, chunk)
		if !retry {
			return res, err
		}
	}
}

// submitLocked applies a chunk to ft. It asks for a retry when ft was
// finished between lookup and lock, so the chunk goes to a fresh record.
func (r *Reassembler) submitLocked(ft *FileTransfer, sender string, index int, chunk string) (ChunkResult, bool, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.done {
		return ChunkResult{}, true, nil
	}

	total := ft.meta.TotalChunks
	res := ChunkResult{TransferID: ft.id, Received: ft.received, Total: total}

	if ft.filled[index] {
		res.Status = ChunkDuplicate
		return res, false, nil
	}

	data, err := decodeChunk(chunk)
	if err != nil {
		err = fmt.Errorf("%w: chunk %d: %v", ErrInvalidChunkData, index, err)
		r.reportToSender(sender, ft.id, ft.meta.Filename, err)
		return res, false, err
	}

	now := r.now()
	ft.slots[index] = data
	ft.filled[index] = true
	ft.received++
	ft.updatedAt = now
	ft.sender = sender
	transferBytesTotal.Add(float64(len(data)))

	var speed float64
	if elapsed := now.Sub(ft.createdAt).Seconds(); elapsed > 0 {
		speed = math.Round(float64(int64(ft.received)*ft.chunkSize) / elapsed)
	}
	r.emitTargets(ft, EventFileProgress, FileProgress{
		FileID:    string(ft.id),
		Filename:  ft.meta.Filename,
		Progress:  int(math.Round(float64(ft.received) * 100 / float64(total))),
		Speed:     speed,
		Remaining: total - ft.received,
	})

	res.Received = ft.received
	res.Status = ChunkAccepted
	if ft.received < total {
		return res, false, nil
	}

	res.Status = ChunkCompleted
	if err := r.complete(ft); err != nil {
		return res, false, err
	}
	return res, false, nil
}

// complete assembles and delivers ft. The record is discarded whether or
// not delivery succeeded; failures go back to the sender as file-error.
// Callers hold ft.mu.
func (r *Reassembler) complete(ft *FileTransfer) (err error) {
	ft.lifetime.Stop()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrReassemblyFailure, p)
		}
		if err != nil {
			r.logger.Error("transfer failed",
				slog.String("transfer", string(ft.id)),
				slog.String("error", err.Error()),
			)
			r.reportToSender(ft.sender, ft.id, ft.meta.Filename, err)
			r.discard(ft, "failed")
			return
		}
		r.discard(ft, "completed")
	}()

	file := ft.assemble()
	if int64(len(file)) != ft.meta.TotalSize {
		r.logger.Warn("assembled size differs from declared size",
			slog.String("transfer", string(ft.id)),
			slog.Int("assembled", len(file)),
			slog.Int64("declared", ft.meta.TotalSize),
		)
	}

	delivery := FileDelivery{
		FileID:      string(ft.id),
		File:        file,
		Filename:    ft.meta.Filename,
		SubjectName: ft.meta.SubjectLabel,
		FileType:    ft.meta.MimeType,
	}
	for _, target := range ft.meta.Targets {
		if _, err := r.emitter.EmitTo(target, EventUploadFileChunk, delivery, ""); err != nil {
			return fmt.Errorf("%w: deliver to %s: %v", ErrReassemblyFailure, target, err)
		}
	}

	ack := FileComplete{
		FileID:      string(ft.id),
		Filename:    ft.meta.Filename,
		TargetCount: len(ft.meta.Targets),
		TotalSize:   ft.meta.TotalSize,
	}
	if _, err := r.emitter.EmitToConnection(ft.sender, EventFileComplete, ack); err != nil {
		return fmt.Errorf("%w: acknowledge: %v", ErrReassemblyFailure, err)
	}

	r.logger.Info("transfer completed",
		slog.String("transfer", string(ft.id)),
		slog.Int("targets", len(ft.meta.Targets)),
		slog.Int("bytes", len(file)),
		slog.Duration("elapsed", r.now().Sub(ft.createdAt)),
	)
	return nil
}

func (r *Reassembler) getOrCreate(id TransferID, meta TransferMeta, sender string) *FileTransfer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ft, ok := r.transfers[id]; ok {
		return ft
	}

	now := r.now()
	n := meta.TotalChunks
	ft := &FileTransfer{
		id:        id,
		meta:      meta,
		sender:    sender,
		slots:     make([][]byte, n),
		filled:    make([]bool, n),
		chunkSize: (meta.TotalSize + int64(n) - 1) / int64(n),
		createdAt: now,
		updatedAt: now,
	}
	ft.lifetime = time.AfterFunc(r.maxLifetime, func() { r.expire(ft) })
	r.transfers[id] = ft
	transfersInflight.Set(float64(len(r.transfers)))

	r.logger.Info("transfer started",
		slog.String("transfer", string(id)),
		slog.String("sender", sender),
		slog.Int("chunks", n),
		slog.Int64("size", meta.TotalSize),
		slog.Int("targets", len(meta.Targets)),
	)
	return ft
}

// expire runs when a transfer outlives the maximum lifetime. A transfer
// that already finished is left alone.
func (r *Reassembler) expire(ft *FileTransfer) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.done {
		return
	}
	r.logger.Warn("transfer timed out",
		slog.String("transfer", string(ft.id)),
		slog.Int("received", ft.received),
		slog.Int("total", ft.meta.TotalChunks),
	)
	r.emitTargets(ft, EventFileError, FileError{
		FileID:   string(ft.id),
		Error:    ErrTransferTimeout.Error(),
		Filename: ft.meta.Filename,
	})
	r.discard(ft, "timeout")
}

// Sweep drops transfers idle for longer than the idle timeout without
// notifying anyone and returns how many were dropped.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	candidates := make([]*FileTransfer, 0, len(r.transfers))
	for _, ft := range r.transfers {
		candidates = append(candidates, ft)
	}
	r.mu.Unlock()

	swept := 0
	for _, ft := range candidates {
		ft.mu.Lock()
		if !ft.done && now.Sub(ft.updatedAt) > r.idleTimeout {
			r.logger.Debug("sweeping idle transfer",
				slog.String("transfer", string(ft.id)),
				slog.Time("updated_at", ft.updatedAt),
			)
			r.discard(ft, "swept")
			swept++
		}
		ft.mu.Unlock()
	}
	return swept
}

// discard is the single exit path for a transfer record. Callers hold
// ft.mu.
func (r *Reassembler) discard(ft *FileTransfer, result string) {
	if ft.done {
		return
	}
	ft.done = true
	ft.lifetime.Stop()
	ft.slots = nil

	r.mu.Lock()
	if cur, ok := r.transfers[ft.id]; ok && cur == ft {
		delete(r.transfers, ft.id)
	}
	transfersInflight.Set(float64(len(r.transfers)))
	r.mu.Unlock()

	transfersTotal.WithLabelValues(result).Inc()
}

func (r *Reassembler) discardAll() {
	r.mu.Lock()
	all := make([]*FileTransfer, 0, len(r.transfers))
	for _, ft := range r.transfers {
		all = append(all, ft)
	}
	r.mu.Unlock()

	for _, ft := range all {
		ft.mu.Lock()
		r.discard(ft, "swept")
		ft.mu.Unlock()
	}
}

// Len returns the number of transfers in flight.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

// Progress reports how many chunks of id have arrived.
func (r *Reassembler) Progress(id TransferID) (received, total int, ok bool) {
	r.mu.Lock()
	ft, ok := r.transfers[id]
	r.mu.Unlock()
	if !ok {
		return 0, 0, false
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.done {
		return 0, 0, false
	}
	return ft.received, ft.meta.TotalChunks, true
}

func (r *Reassembler) emitTargets(ft *FileTransfer, event string, payload any) {
	for _, target := range ft.meta.Targets {
		if _, err := r.emitter.EmitTo(target, event, payload, ""); err != nil {
			r.logger.Warn("emit to target",
				slog.String("event", event),
				slog.String("room", target),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Reassembler) reportToSender(sender string, id TransferID, filename string, cause error) {
	_, err := r.emitter.EmitToConnection(sender, EventFileError, FileError{
		FileID:   string(id),
		Error:    cause.Error(),
		Filename: filename,
	})
	if err != nil {
		r.logger.Warn("report file error", slog.String("sender", sender), slog.String("error", err.Error()))
	}
}

// decodeChunk accepts standard base64 with or without padding, optionally
// behind a data URL prefix.
func decodeChunk(chunk string) ([]byte, error) {
	if strings.HasPrefix(chunk, "data:") {
		if i := strings.Index(chunk, ","); i >= 0 {
			chunk = chunk[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(chunk)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(chunk); rawErr == nil {
		return raw, nil
	}
	return nil, err
}
