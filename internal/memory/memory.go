// Package memory implements the reasoning bank: a LevelDB-backed store of
// embedding-indexed notes retrieved by cosine similarity. Near-duplicate
// upserts merge into the existing note instead of inserting. Notes are never
// physically deleted within a session; a curator pass removes tombstoned and
// harmful-dominated notes in the background.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/cascade/internal/clock"
	"github.com/haricheung/cascade/internal/embed"
	"github.com/haricheung/cascade/internal/types"
)

// LevelDB key prefix scheme: "|" separates parts; tenant/domain values have
// "|" replaced so keys parse unambiguously.
//
//	n|<id>                   → note JSON            (primary record)
//	x|<tenant>|<domain>|<id> → nil                  (bucket index for search scan)
//	d|<id>                   → RFC3339              (tombstone time)
const (
	prefixNote      = "n|"
	prefixIdx       = "x|"
	prefixTombstone = "d|"
)

// DefaultMergeThreshold is the cosine similarity at or above which an upsert
// merges into an existing note of the same tenant+domain bucket.
const DefaultMergeThreshold = 0.8

// curatorInterval is the periodic curator cadence; a final pass also runs on
// shutdown.
const curatorInterval = 5 * time.Minute

// Store is the LevelDB-backed reasoning bank.
type Store struct {
	db             *leveldb.DB
	clock          clock.Clock
	mergeThreshold float64

	// Advisory per-(tenant,domain) write locks so concurrent upserts cannot
	// race past the dedup similarity check and insert near-identical notes.
	bucketMu sync.Mutex
	buckets  map[string]*sync.Mutex
}

// Open opens (or creates) the store at dbPath.
func Open(dbPath string, c clock.Clock, mergeThreshold float64) (*Store, error) {
	if mergeThreshold < 0.5 || mergeThreshold > 0.99 {
		mergeThreshold = DefaultMergeThreshold
	}
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: open leveldb at %s: %w", dbPath, err)
	}
	return &Store{
		db:             db,
		clock:          c,
		mergeThreshold: mergeThreshold,
		buckets:        make(map[string]*sync.Mutex),
	}, nil
}

// Upsert stores note durably before returning. When an existing note in the
// same (tenant, domain) bucket has similarity >= the merge threshold, the
// existing note's counters are incremented instead of inserting a new row.
// Returns the id of the stored (or merged-into) note.
//
// Expectations:
//   - Assigns ID and CreatedAt when missing
//   - Upserting near-identical text twice yields exactly one stored note
//   - Merge increments the existing note's HelpfulCount by the incoming one
//   - The write is synced to disk before Upsert returns
func (s *Store) Upsert(ctx context.Context, note types.MemoryNote) (string, error) {
	if s == nil || s.db == nil {
		return "", nil
	}
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	if note.CreatedAt == "" {
		note.CreatedAt = s.clock.Now().Format(time.RFC3339)
	}

	mu := s.bucketLock(note.Tenant, note.Domain)
	mu.Lock()
	defer mu.Unlock()

	if existing, score := s.nearest(note.Tenant, note.Domain, note.Embedding); existing != nil && score >= s.mergeThreshold {
		existing.HelpfulCount += note.HelpfulCount
		existing.HarmfulCount += note.HarmfulCount
		if err := s.putNote(*existing); err != nil {
			return "", err
		}
		slog.Debug("[MEM] merged near-duplicate note", "id", existing.ID, "score", score, "tenant", note.Tenant, "domain", note.Domain)
		return existing.ID, nil
	}

	if err := s.putNote(note); err != nil {
		return "", err
	}
	slog.Debug("[MEM] stored note", "id", note.ID, "tenant", note.Tenant, "domain", note.Domain)
	return note.ID, nil
}

// SearchSimilar returns the top-k notes for tenant (and domain, when
// non-empty) ranked by cosine similarity to queryEmbedding. Tombstoned notes
// are skipped. A nil or unavailable store returns an empty slice; retrieval
// never blocks the pipeline.
func (s *Store) SearchSimilar(ctx context.Context, queryEmbedding []float32, tenant, domain string, k int) []types.ScoredNote {
	if s == nil || s.db == nil || k <= 0 {
		return nil
	}
	var scored []types.ScoredNote
	scan := func(dom string) {
		iter := s.db.NewIterator(util.BytesPrefix([]byte(idxPrefix(tenant, dom))), nil)
		defer iter.Release()
		for iter.Next() {
			if ctx.Err() != nil {
				return
			}
			id := idFromIdxKey(string(iter.Key()))
			if id == "" || s.tombstoned(id) {
				continue
			}
			note, err := s.fetchNote(id)
			if err != nil {
				continue
			}
			scored = append(scored, types.ScoredNote{
				Note:  note,
				Score: embed.Cosine(queryEmbedding, note.Embedding),
			})
		}
	}
	if domain != "" {
		scan(domain)
	} else {
		for _, dom := range s.domains(tenant) {
			scan(dom)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// MarkHelpful atomically increments the helpful counter of the note with id.
func (s *Store) MarkHelpful(ctx context.Context, id string) error {
	return s.adjust(id, func(n *types.MemoryNote) { n.HelpfulCount++ })
}

// MarkHarmful atomically increments the harmful counter of the note with id.
// The curator eventually removes notes whose harmful count dominates.
func (s *Store) MarkHarmful(ctx context.Context, id string) error {
	return s.adjust(id, func(n *types.MemoryNote) { n.HarmfulCount++ })
}

// Tombstone soft-deletes the note with id. The note stops appearing in
// search results immediately; physical removal happens in the curator pass.
func (s *Store) Tombstone(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return nil
	}
	ts := s.clock.Now().Format(time.RFC3339)
	if err := s.db.Put([]byte(prefixTombstone+id), []byte(ts), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("memory: tombstone %s: %w", id, err)
	}
	if note, err := s.fetchNote(id); err == nil {
		note.TombstonedAt = ts
		_ = s.putNote(note)
	}
	return nil
}

// Summary returns per-(tenant, domain) live note counts.
func (s *Store) Summary() map[string]int {
	counts := make(map[string]int)
	if s == nil || s.db == nil {
		return counts
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixIdx)), nil)
	defer iter.Release()
	for iter.Next() {
		parts := strings.SplitN(string(iter.Key()), "|", 4)
		if len(parts) != 4 || s.tombstoned(parts[3]) {
			continue
		}
		counts[parts[1]+"/"+parts[2]]++
	}
	return counts
}

// Run processes curator cycles until ctx is cancelled, then runs one final
// pass and closes the database.
func (s *Store) Run(ctx context.Context) {
	if s == nil || s.db == nil {
		return
	}
	ticker := time.NewTicker(curatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.curatorPass("shutdown")
			if err := s.db.Close(); err != nil {
				slog.Warn("[MEM] DB close error", "error", err)
			}
			return
		case <-ticker.C:
			s.curatorPass("timer")
		}
	}
}

// Shutdown closes the database for callers that never started Run.
func (s *Store) Shutdown(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Internal: curator
// ---------------------------------------------------------------------------

// curatorPass hard-deletes tombstoned notes and notes whose harmful count
// exceeds their helpful count by 3 or more.
func (s *Store) curatorPass(trigger string) {
	start := time.Now()
	var scanned, deleted int
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixNote)), nil)
	var victims []types.MemoryNote
	for iter.Next() {
		scanned++
		var note types.MemoryNote
		if err := json.Unmarshal(iter.Value(), &note); err != nil {
			continue
		}
		if note.TombstonedAt != "" || s.tombstoned(note.ID) || note.HarmfulCount-note.HelpfulCount >= 3 {
			victims = append(victims, note)
		}
	}
	iter.Release()

	for _, note := range victims {
		batch := new(leveldb.Batch)
		batch.Delete([]byte(prefixNote + note.ID))
		batch.Delete([]byte(idxKey(note.Tenant, note.Domain, note.ID)))
		batch.Delete([]byte(prefixTombstone + note.ID))
		if err := s.db.Write(batch, nil); err != nil {
			slog.Warn("[MEM] curator delete failed", "id", note.ID, "error", err)
			continue
		}
		deleted++
	}
	slog.Info("[MEM] curator pass complete", "trigger", trigger,
		"elapsed_ms", time.Since(start).Milliseconds(), "scanned", scanned, "deleted", deleted)
}

// ---------------------------------------------------------------------------
// Internal: read/write helpers
// ---------------------------------------------------------------------------

func (s *Store) bucketLock(tenant, domain string) *sync.Mutex {
	key := safeKeyPart(tenant) + "|" + safeKeyPart(domain)
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	mu, ok := s.buckets[key]
	if !ok {
		mu = &sync.Mutex{}
		s.buckets[key] = mu
	}
	return mu
}

// nearest returns the most similar live note in the (tenant, domain) bucket.
func (s *Store) nearest(tenant, domain string, embedding []float32) (*types.MemoryNote, float64) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(idxPrefix(tenant, domain))), nil)
	defer iter.Release()
	var best *types.MemoryNote
	bestScore := -1.0
	for iter.Next() {
		id := idFromIdxKey(string(iter.Key()))
		if id == "" || s.tombstoned(id) {
			continue
		}
		note, err := s.fetchNote(id)
		if err != nil {
			continue
		}
		if score := embed.Cosine(embedding, note.Embedding); score > bestScore {
			n := note
			best, bestScore = &n, score
		}
	}
	return best, bestScore
}

func (s *Store) adjust(id string, fn func(*types.MemoryNote)) error {
	if s == nil || s.db == nil {
		return nil
	}
	mu := s.bucketLock("", "counter:"+id)
	mu.Lock()
	defer mu.Unlock()
	note, err := s.fetchNote(id)
	if err != nil {
		return fmt.Errorf("memory: adjust %s: %w", id, err)
	}
	fn(&note)
	return s.putNote(note)
}

func (s *Store) putNote(note types.MemoryNote) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("memory: marshal note %s: %w", note.ID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixNote+note.ID), data)
	batch.Put([]byte(idxKey(note.Tenant, note.Domain, note.ID)), nil)
	// Sync write: Upsert must be durable before returning success.
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("memory: persist note %s: %w", note.ID, err)
	}
	return nil
}

func (s *Store) fetchNote(id string) (types.MemoryNote, error) {
	data, err := s.db.Get([]byte(prefixNote+id), nil)
	if err != nil {
		return types.MemoryNote{}, err
	}
	var note types.MemoryNote
	return note, json.Unmarshal(data, &note)
}

func (s *Store) tombstoned(id string) bool {
	ok, err := s.db.Has([]byte(prefixTombstone+id), nil)
	return err == nil && ok
}

// domains lists the distinct domain buckets present for tenant.
func (s *Store) domains(tenant string) []string {
	seen := make(map[string]struct{})
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixIdx+safeKeyPart(tenant)+"|")), nil)
	defer iter.Release()
	for iter.Next() {
		parts := strings.SplitN(string(iter.Key()), "|", 4)
		if len(parts) == 4 {
			seen[parts[2]] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Key helpers
// ---------------------------------------------------------------------------

func idxPrefix(tenant, domain string) string {
	return prefixIdx + safeKeyPart(tenant) + "|" + safeKeyPart(domain) + "|"
}

func idxKey(tenant, domain, id string) string {
	return idxPrefix(tenant, domain) + id
}

func idFromIdxKey(fullKey string) string {
	parts := strings.SplitN(fullKey, "|", 4)
	if len(parts) != 4 {
		return ""
	}
	return parts[3]
}

func safeKeyPart(s string) string {
	return strings.ReplaceAll(s, "|", "_")
}
