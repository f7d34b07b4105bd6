// Package semcache is a semantic cache for question/answer pairs. A
// Cache ties a data manager to an embedding function and a similarity
// threshold; caches chain into fallback tiers where a miss in one tier
// consults the next without copying entries back up.
package semcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/semcache/manager"
	"github.com/kalambet/semcache/model"
	"github.com/kalambet/semcache/snapshot"
)

// ErrCyclicChain is returned by New when the Next chain loops back on
// itself.
var ErrCyclicChain = errors.New("cache tier chain is cyclic")

// ErrImportMismatch is returned by ImportData when the question and
// answer slices differ in length.
var ErrImportMismatch = errors.New("questions and answers must pair up")

// importConcurrency bounds how many embeddings are computed at once
// during a bulk import.
const importConcurrency = 4

// EmbeddingFunc maps text to the vector used for similarity search. It
// must be deterministic and return vectors of a fixed dimension.
type EmbeddingFunc func(ctx context.Context, text string) ([]float32, error)

// Config assembles a cache tier.
type Config struct {
	// Manager owns the tier's storage. Required.
	Manager *manager.Manager

	// Embed computes query and entry embeddings. Required.
	Embed EmbeddingFunc

	// Threshold is the largest distance still considered a hit. Lower
	// is always more similar, whatever metric the vector store uses.
	Threshold float32

	// TopK is how many nearest neighbors a lookup considers before
	// thresholding. Defaults to 1.
	TopK int

	// Next is consulted on a miss. Nil for the last tier.
	Next *Cache

	// Name identifies the tier in logs. Defaults to a random UUID.
	Name string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Hit is a successful lookup: the cached entry, how far it sits from
// the query, and the tier that answered.
type Hit struct {
	Entry    *model.CacheEntry
	Distance float32
	Tier     string
}

// Answer returns the first cached answer text, or "" when the entry
// carries none.
func (h *Hit) Answer() string {
	if len(h.Entry.Answers) == 0 {
		return ""
	}
	return h.Entry.Answers[0].Text
}

// Cache is one tier of the semantic cache. All methods are safe for
// concurrent use.
type Cache struct {
	manager   *manager.Manager
	embed     EmbeddingFunc
	threshold float32
	topK      int
	next      *Cache
	name      string
	logger    *slog.Logger
}

// New builds a cache tier from cfg. The Next chain is walked to reject
// cycles up front rather than looping forever on the first miss.
func New(cfg Config) (*Cache, error) {
	if cfg.Manager == nil {
		return nil, errors.New("cache requires a data manager")
	}
	if cfg.Embed == nil {
		return nil, errors.New("cache requires an embedding function")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 1
	}
	if cfg.Name == "" {
		cfg.Name = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		manager:   cfg.Manager,
		embed:     cfg.Embed,
		threshold: cfg.Threshold,
		topK:      cfg.TopK,
		next:      cfg.Next,
		name:      cfg.Name,
		logger:    cfg.Logger,
	}

	seen := map[*Cache]struct{}{c: {}}
	for tier := c.next; tier != nil; tier = tier.next {
		if _, ok := seen[tier]; ok {
			return nil, ErrCyclicChain
		}
		seen[tier] = struct{}{}
	}
	return c, nil
}

// Name returns the tier's identifier.
func (c *Cache) Name() string { return c.name }

// Manager exposes the tier's data manager for administrative callers
// (compaction, session queries, counts).
func (c *Cache) Manager() *manager.Manager { return c.manager }

// Lookup embeds the question and searches this tier; within-threshold
// candidates are returned as a Hit, the nearest first. A miss falls
// through to the next tier unchanged. Entries are never copied between
// tiers, and a miss across the whole chain returns (nil, nil).
func (c *Cache) Lookup(ctx context.Context, question string) (*Hit, error) {
	vec, err := c.embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	cands, err := c.manager.Search(ctx, vec, c.topK, c.threshold)
	if err != nil {
		return nil, fmt.Errorf("searching tier %s: %w", c.name, err)
	}
	if len(cands) > 0 {
		best := cands[0]
		c.logger.Debug("cache hit",
			"tier", c.name,
			"id", best.Entry.ID,
			"distance", best.Distance)
		return &Hit{Entry: best.Entry, Distance: best.Distance, Tier: c.name}, nil
	}

	if c.next != nil {
		c.logger.Debug("cache miss, trying next tier", "tier", c.name)
		return c.next.Lookup(ctx, question)
	}
	c.logger.Debug("cache miss", "tier", c.name)
	return nil, nil
}

// Put caches one question with its answers in this tier and returns the
// assigned entry id.
func (c *Cache) Put(ctx context.Context, question string, answers ...string) (int64, error) {
	ids, err := c.putRecords(ctx, []snapshot.Record{{Question: question, Answers: answers}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// PutInSession caches one question with its answers and links the
// entry to the given session.
func (c *Cache) PutInSession(ctx context.Context, sessionID, question string, answers ...string) (int64, error) {
	vec, err := c.embed(ctx, question)
	if err != nil {
		return 0, fmt.Errorf("embedding %q: %w", question, err)
	}
	as := make([]model.Answer, len(answers))
	for i, a := range answers {
		as[i] = model.Answer{Text: a}
	}
	entry := &model.CacheEntry{
		Question:   model.NewQuestion(question),
		Answers:    as,
		Embedding:  vec,
		SessionIDs: []string{sessionID},
	}
	ids, err := c.insertEntries(ctx, []*model.CacheEntry{entry})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// ImportData bulk-populates this tier only; chained tiers are left
// untouched. Embeddings are computed concurrently, then the entries are
// inserted as one batch.
func (c *Cache) ImportData(ctx context.Context, questions, answers []string) ([]int64, error) {
	if len(questions) != len(answers) {
		return nil, fmt.Errorf("%w: %d questions, %d answers", ErrImportMismatch, len(questions), len(answers))
	}
	if len(questions) == 0 {
		return nil, nil
	}

	records := make([]snapshot.Record, len(questions))
	for i := range questions {
		records[i] = snapshot.Record{Question: questions[i], Answers: []string{answers[i]}}
	}
	return c.putRecords(ctx, records)
}

// putRecords embeds and inserts records as a single batch.
func (c *Cache) putRecords(ctx context.Context, records []snapshot.Record) ([]int64, error) {
	entries := make([]*model.CacheEntry, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importConcurrency)
	for i := range records {
		i := i
		g.Go(func() error {
			rec := &records[i]
			vec, err := c.embed(gctx, rec.Question)
			if err != nil {
				return fmt.Errorf("embedding %q: %w", rec.Question, err)
			}
			answers := make([]model.Answer, len(rec.Answers))
			for j, a := range rec.Answers {
				answers[j] = model.Answer{Text: a}
			}
			entries[i] = &model.CacheEntry{
				Question:  model.NewQuestion(rec.Question),
				Answers:   answers,
				Embedding: vec,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids, err := c.insertEntries(ctx, entries)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("imported entries", "tier", c.name, "count", len(ids))
	return ids, nil
}

// insertEntries writes a batch through the manager. A failed eviction
// pass after a durable insert is logged and swallowed: the entries are
// cached either way, and the next insert retries the bound.
func (c *Cache) insertEntries(ctx context.Context, entries []*model.CacheEntry) ([]int64, error) {
	ids, err := c.manager.Insert(ctx, entries)
	if err != nil {
		if errors.Is(err, manager.ErrEviction) && len(ids) > 0 {
			c.logger.Warn("eviction failed after insert", "tier", c.name, "error", err)
			return ids, nil
		}
		return nil, fmt.Errorf("inserting into tier %s: %w", c.name, err)
	}
	return ids, nil
}

// ImportSnapshot loads a flat-file snapshot into this tier. maxSize,
// when positive, caps how many records are loaded, in file order.
func (c *Cache) ImportSnapshot(ctx context.Context, path string, maxSize int) ([]int64, error) {
	records, err := snapshot.Load(path, maxSize)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return c.putRecords(ctx, records)
}

// ExportSnapshot writes every live entry of this tier to a flat-file
// snapshot, atomically. Only this tier is exported.
func (c *Cache) ExportSnapshot(ctx context.Context, path string) error {
	entries, err := c.manager.Export(ctx)
	if err != nil {
		return err
	}

	records := make([]snapshot.Record, len(entries))
	for i, e := range entries {
		answers := make([]string, len(e.Answers))
		for j, a := range e.Answers {
			answers[j] = a.Text
		}
		records[i] = snapshot.Record{Question: e.Question.Content, Answers: answers}
	}
	if err := snapshot.Save(path, records); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	c.logger.Debug("exported snapshot", "tier", c.name, "count", len(records), "path", path)
	return nil
}

// Flush forces buffered state to durable storage, cascading down the
// chain.
func (c *Cache) Flush(ctx context.Context) error {
	if err := c.manager.Flush(ctx); err != nil {
		return fmt.Errorf("flushing tier %s: %w", c.name, err)
	}
	if c.next != nil {
		return c.next.Flush(ctx)
	}
	return nil
}

// Close releases every tier in the chain. All tiers are attempted even
// when an earlier one fails.
func (c *Cache) Close() error {
	err := c.manager.Close()
	if c.next != nil {
		err = errors.Join(err, c.next.Close())
	}
	return err
}
