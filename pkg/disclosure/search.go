package disclosure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Document kinds indexed by the search engine.
const (
	DocKindAdmin = "admin"
	DocKindEvent = "event"
	DocKindUser  = "user"
	DocKindClaim = "claim"
)

const (
	maxTokenLength  = 64
	maxPrefixLength = 24
	minPrefixLength = 2
	cacheTTL        = 30 * time.Second
)

// Document is one searchable row of the disclosure graph.
type Document struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Subtitle   string `json:"subtitle"`
	Detail     string `json:"detail"`
	SearchText string `json:"searchText"`
}

// SearchHit is a ranked result.
type SearchHit struct {
	Document Document `json:"document"`
	Score    int      `json:"score"`
}

// builtIndex is an inverted prefix index over one disclosure snapshot.
type builtIndex struct {
	docs   []Document
	tokens map[string][]int // token → doc positions
}

type searchCache struct {
	mu      sync.Mutex
	key     string
	index   *builtIndex
	expires time.Time
}

// Tokenize lowercases, splits on whitespace and common punctuation, dedups and
// caps each term at 64 characters.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		if unicode.IsSpace(r) {
			return true
		}
		switch r {
		case '.', ',', ';', ':', '/', '\\', '(', ')', '[', ']', '{', '}',
			'"', '\'', '!', '?', '@', '#', '&', '|', '=', '+', '<', '>':
			return true
		}
		return false
	})
	seen := map[string]bool{}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > maxTokenLength {
			f = f[:maxTokenLength]
		}
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// indexTerms expands a token into itself plus all prefixes of length
// 2..min(24, len).
func indexTerms(token string) []string {
	terms := []string{token}
	limit := len(token)
	if limit > maxPrefixLength {
		limit = maxPrefixLength
	}
	for i := minPrefixLength; i < limit; i++ {
		terms = append(terms, token[:i])
	}
	return terms
}

// buildDocuments flattens a disclosure graph into searchable documents.
func buildDocuments(graph []AdminDisclosure, transfers []TransferAuditPayload) []Document {
	var docs []Document
	for _, d := range graph {
		docs = append(docs, Document{
			ID:         "admin:" + d.Admin.AdminID,
			Kind:       DocKindAdmin,
			Title:      d.Admin.Name,
			Subtitle:   d.Admin.AdminID,
			Detail:     d.Admin.Source + " created " + d.Admin.CreatedAt,
			SearchText: strings.Join([]string{d.Admin.Name, d.Admin.AdminID, d.Token, d.Admin.Source}, " "),
		})
		for _, ev := range d.Events {
			docs = append(docs, Document{
				ID:         "event:" + ev.ID,
				Kind:       DocKindEvent,
				Title:      ev.Title,
				Subtitle:   ev.Host,
				Detail:     ev.State + " " + ev.Datetime,
				SearchText: strings.Join([]string{ev.Title, ev.Host, ev.ID, ev.State, ev.SolanaMint, ev.SolanaGrantID}, " "),
			})
		}
		for _, u := range d.RelatedUsers {
			docs = append(docs, Document{
				ID:         "user:" + u.Key,
				Kind:       DocKindUser,
				Title:      u.Key,
				Subtitle:   u.Kind,
				Detail:     fmt.Sprintf("%d transfers, last %s", u.Transfers, u.LastSeen),
				SearchText: u.Key + " " + u.Kind,
			})
		}
	}
	for _, t := range transfers {
		docs = append(docs, Document{
			ID:         "claim:" + t.EntryHash,
			Kind:       DocKindClaim,
			Title:      t.Event,
			Subtitle:   t.EventID,
			Detail:     t.TS,
			SearchText: strings.Join([]string{t.Event, t.EventID, t.EntryHash, t.Mint, t.Recipient, t.TxSignature}, " "),
		})
	}
	return docs
}

func buildIndex(docs []Document) *builtIndex {
	idx := &builtIndex{docs: docs, tokens: map[string][]int{}}
	for pos, doc := range docs {
		seen := map[string]bool{}
		for _, token := range Tokenize(doc.SearchText + " " + doc.Title + " " + doc.Subtitle + " " + doc.Detail) {
			for _, term := range indexTerms(token) {
				if seen[term] {
					continue
				}
				seen[term] = true
				idx.tokens[term] = append(idx.tokens[term], pos)
			}
		}
	}
	return idx
}

// search intersects the query tokens over the index and ranks matches.
func (idx *builtIndex) search(query string, limit int) []SearchHit {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return []SearchHit{}
	}

	var candidates map[int]bool
	for _, term := range terms {
		postings := idx.tokens[term]
		next := map[int]bool{}
		for _, pos := range postings {
			if candidates == nil || candidates[pos] {
				next[pos] = true
			}
		}
		candidates = next
		if len(candidates) == 0 {
			return []SearchHit{}
		}
	}

	full := strings.ToLower(strings.TrimSpace(query))
	hits := make([]SearchHit, 0, len(candidates))
	for pos := range candidates {
		doc := idx.docs[pos]
		score := 0
		if full != "" {
			if strings.Contains(strings.ToLower(doc.SearchText), full) {
				score += 12
			}
			if strings.Contains(strings.ToLower(doc.Title), full) {
				score += 8
			}
			if strings.Contains(strings.ToLower(doc.Subtitle), full) {
				score += 4
			}
			if strings.Contains(strings.ToLower(doc.Detail), full) {
				score += 2
			}
		}
		for _, term := range terms {
			if strings.Contains(strings.ToLower(doc.Title), term) {
				score += 3
			}
			if strings.Contains(strings.ToLower(doc.Subtitle), term) {
				score += 2
			}
			if strings.Contains(strings.ToLower(doc.SearchText), term) {
				score++
			}
		}
		hits = append(hits, SearchHit{Document: doc, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Document.ID < hits[j].Document.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Search answers a master search query. The index is keyed by the global audit
// head plus the build options, so any shard mutation invalidates it. A SQL
// index is preferred when configured; otherwise a 30 second in-process cache
// amortizes rebuilds.
func (s *Service) Search(ctx context.Context, query string, opts Options, limit int) ([]SearchHit, error) {
	if opts.TransferLimit <= 0 {
		opts.TransferLimit = DefaultTransferLimit
	}
	head, err := s.chain.GlobalHead(ctx)
	if err != nil {
		return nil, err
	}
	indexKey := fmt.Sprintf("%s|%t|%d", head, opts.IncludeRevoked, opts.TransferLimit)

	if s.index != nil {
		idx, err := s.index.Load(ctx, indexKey)
		if err != nil {
			return nil, err
		}
		if idx == nil {
			idx, err = s.buildSnapshot(ctx, opts)
			if err != nil {
				return nil, err
			}
			if err := s.index.Store(ctx, indexKey, idx); err != nil {
				// A failed index write only costs the next request a rebuild.
				s.logger.Warn("search index persist failed", "error", err)
			}
		}
		return idx.search(query, limit), nil
	}

	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	if s.cache.index != nil && s.cache.key == indexKey && s.now().Before(s.cache.expires) {
		return s.cache.index.search(query, limit), nil
	}
	idx, err := s.buildSnapshot(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.cache.key = indexKey
	s.cache.index = idx
	s.cache.expires = s.now().Add(cacheTTL)
	return idx.search(query, limit), nil
}

func (s *Service) buildSnapshot(ctx context.Context, opts Options) (*builtIndex, error) {
	graph, err := s.BuildDisclosures(ctx, opts)
	if err != nil {
		return nil, err
	}
	transfers, err := s.ListTransfers(ctx, RoleMaster, opts.TransferLimit)
	if err != nil {
		return nil, err
	}
	return buildIndex(buildDocuments(graph, transfers)), nil
}
