// Persistent chunk store: an advisory sqlite mirror of the in-memory index.
//
// DESIGN: One row per chunk ID. The request path never waits on a write:
// snapshots are pushed onto a bounded queue and a single background worker
// drains it. A full queue drops the write (logged); read failures and
// corrupt rows are treated as cache misses. Losing this database loses
// nothing but warm-start condensation results.
package chunk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/contextwarden/gateway/internal/config"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id      TEXT PRIMARY KEY,
	start_idx     INTEGER NOT NULL,
	end_idx       INTEGER NOT NULL,
	token_count   INTEGER NOT NULL,
	state         TEXT NOT NULL,
	condensed     TEXT NOT NULL DEFAULT '',
	strategy      TEXT NOT NULL DEFAULT '',
	tokens_saved  INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	last_modified INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_last_modified ON chunks(last_modified);
`

// Store persists chunk records to sqlite.
type Store struct {
	db    *sql.DB
	ttl   time.Duration
	queue chan Record
	stop  chan struct{}
	done  chan struct{}
}

// OpenStore opens (or creates) the sqlite mirror and starts the background
// writer and the expired-record sweeper.
func OpenStore(cfg config.CacheConfig) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init chunk store schema: %w", err)
	}

	s := &Store{
		db:    db,
		ttl:   cfg.TTL,
		queue: make(chan Record, cfg.WriteQueue),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run(cfg.SweepInterval)
	return s, nil
}

// Enqueue schedules a chunk record for persistence. Never blocks: when the
// queue is full the write is dropped and logged.
func (s *Store) Enqueue(rec Record) {
	select {
	case s.queue <- rec:
	default:
		log.Warn().Str("chunk_id", shortID(rec.ID)).Msg("chunk store write queue full, dropping write")
	}
}

// Load reads one chunk record. Any failure reads as a miss.
func (s *Store) Load(id string) (Record, bool) {
	row := s.db.QueryRow(`SELECT start_idx, end_idx, token_count, state, condensed, strategy, tokens_saved, created_at, last_modified
		FROM chunks WHERE chunk_id = ?`, id)

	var c Record
	var created, modified int64
	var state string
	err := row.Scan(&c.StartIndex, &c.EndIndex, &c.TokenCount, &state, &c.CondensedText, &c.StrategyUsed, &c.TokensSaved, &created, &modified)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Warn().Err(err).Str("chunk_id", shortID(id)).Msg("chunk store read failed, treating as miss")
		}
		return Record{}, false
	}

	c.ID = id
	c.State = State(state)
	c.CreatedAt = time.Unix(created, 0)
	c.LastModified = time.Unix(modified, 0)
	switch c.State {
	case StateUnprocessed, StateCondensing, StateCondensed, StateModified, StateExpired:
	default:
		log.Warn().Str("chunk_id", shortID(id)).Str("state", state).Msg("chunk store row corrupt, treating as miss")
		return Record{}, false
	}
	// A process that died mid-condensation leaves CONDENSING behind;
	// nothing is in flight anymore.
	if c.State == StateCondensing {
		c.State = StateUnprocessed
	}
	return c, true
}

// run drains the write queue and sweeps expired rows until Close.
func (s *Store) run(sweepInterval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.queue:
			s.upsert(rec)
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case rec := <-s.queue:
					s.upsert(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) upsert(c Record) {
	_, err := s.db.Exec(`INSERT INTO chunks (chunk_id, start_idx, end_idx, token_count, state, condensed, strategy, tokens_saved, created_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			state = excluded.state,
			condensed = excluded.condensed,
			strategy = excluded.strategy,
			tokens_saved = excluded.tokens_saved,
			last_modified = excluded.last_modified`,
		c.ID, c.StartIndex, c.EndIndex, c.TokenCount, string(c.State),
		c.CondensedText, c.StrategyUsed, c.TokensSaved,
		c.CreatedAt.Unix(), c.LastModified.Unix())
	if err != nil {
		log.Warn().Err(err).Str("chunk_id", shortID(c.ID)).Msg("chunk store write failed")
	}
}

// sweep deletes rows whose condensed result has outlived the TTL.
func (s *Store) sweep() {
	if s.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.ttl).Unix()
	res, err := s.db.Exec(`DELETE FROM chunks WHERE last_modified < ?`, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("chunk store sweep failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Int64("removed", n).Msg("chunk store sweep")
	}
}

// Close stops the worker, flushes queued writes, and closes the database.
func (s *Store) Close() error {
	close(s.stop)
	<-s.done
	return s.db.Close()
}
