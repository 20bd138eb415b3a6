package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Producer is the small subset of kafka producer behavior the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

// StreamerConfig configures the durable DB-first governance streamer.
type StreamerConfig struct {
	// How many events to fetch per claim.
	BatchSize int

	// PollInterval when there is no work (or after a batch).
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent processing of claimed events.
	MaxConcurrency int
}

// Streamer drains audit events to the governance topic and archive:
//   - claims pending audit_events via SELECT ... FOR UPDATE SKIP LOCKED
//   - produces a canonical envelope to Kafka and archives canonical JSON to S3
//   - marks the row streamed/failed so the DB remains the source of truth for
//     retries.
type Streamer struct {
	store    *PGStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig

	wg sync.WaitGroup
}

// NewStreamer constructs a streamer. Zero cfg fields get sensible defaults.
func NewStreamer(store *PGStore, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		store:    store,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run starts the streamer loop and blocks until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		events, err := s.store.FetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		if len(events) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, ev := range events {
			select {
			case <-ctx.Done():
				break
			default:
			}

			sem <- struct{}{}
			s.wg.Add(1)
			go func(ev *Event) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEvent(ctx, ev); err != nil {
					log.Printf("[audit.streamer] process event %s error: %v", ev.ID, err)
				}
			}(ev)
		}

		// Drain the batch before claiming more; keeps per-batch ordering.
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			sem <- struct{}{}
		}
		for i := 0; i < s.cfg.MaxConcurrency; i++ {
			<-sem
		}
	}
}

// processEvent performs produce -> archive for a single event and records the
// result. Per-event deadline keeps a stuck worker from wedging the batch.
func (s *Streamer) processEvent(parentCtx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(parentCtx, 30*time.Second)
	defer cancel()

	envelope := map[string]interface{}{
		"id":            ev.ID,
		"correlationId": ev.CorrelationID.String(),
		"eventType":     ev.EventType,
		"actor":         ev.Actor,
		"payload":       ev.Payload,
		"prevHash":      ev.PrevHash,
		"hash":          ev.Hash,
		"ts":            ev.Ts.Format(time.RFC3339Nano),
	}

	canonBytes, err := MarshalCanonical(envelope)
	if err != nil {
		s.markFailed(parentCtx, ev.ID, fmt.Sprintf("canonicalize envelope: %v", err))
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	// Key by correlation ID so one rollout's history stays ordered per partition.
	producedAt, err := s.producer.Produce(ctx, []byte(ev.CorrelationID.String()), canonBytes)
	if err != nil {
		s.markFailed(parentCtx, ev.ID, fmt.Sprintf("kafka produce: %v", err))
		return fmt.Errorf("kafka produce: %w", err)
	}

	var key string
	if s.archiver != nil {
		key, err = s.archiver.ArchiveEvent(ctx, ev)
		if err != nil {
			s.markFailed(parentCtx, ev.ID, fmt.Sprintf("archive: %v", err))
			return fmt.Errorf("archive: %w", err)
		}
	}

	archivedKey := sql.NullString{String: key, Valid: key != ""}
	if err := s.store.MarkStreamResult(parentCtx, ev.ID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}

	log.Printf("[audit.streamer] event %s streamed: produced_at=%s archived_key=%s", ev.ID, producedAt.Format(time.RFC3339Nano), key)
	return nil
}

func (s *Streamer) markFailed(ctx context.Context, id, msg string) {
	_ = s.store.MarkStreamResult(ctx, id, sql.NullString{}, false, sql.NullString{String: msg, Valid: true})
}
