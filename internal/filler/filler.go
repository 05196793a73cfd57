// Package filler holds the pre-cached short utterances played to the caller
// while a real response is still being produced.
//
// A [Cache] is loaded once at startup from a JSON catalogue (or the embedded
// Arabic defaults) and is immutable afterwards, so it is safe to share
// across all call sessions. Phrases that reference an audio file have their
// PCM read into memory at load time and can be played without any provider
// call.
package filler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Phrase is a single filler utterance.
type Phrase struct {
	// ID uniquely identifies the phrase within the catalogue.
	ID string `json:"id"`

	// Text is the utterance in the caller's language.
	Text string `json:"text"`

	// Category is the catalogue category the phrase belongs to.
	Category string `json:"-"`

	// AudioFile optionally names a PCM file relative to the catalogue's
	// audio directory.
	AudioFile string `json:"audio_file,omitempty"`

	// PCM holds the pre-synthesized audio when AudioFile was present and
	// readable. Nil means the phrase must be synthesized on demand.
	PCM []byte `json:"-"`
}

// category groups phrases with the keywords that trigger them.
type category struct {
	name     string
	keywords []string
	phrases  []Phrase
}

// Cache is the immutable filler catalogue. The zero value is not usable;
// construct with [Load] or [Default].
type Cache struct {
	// categories preserves catalogue definition order so contextual lookup
	// is deterministic.
	categories []category

	totalUses   atomic.Int64
	byCategory  map[string]*atomic.Int64
	cachedAudio int
}

// Stats summarizes filler usage since startup.
type Stats struct {
	TotalUses   int64            `json:"total_uses"`
	ByCategory  map[string]int64 `json:"by_category"`
	CachedAudio int              `json:"cached_audio_count"`
	Categories  int              `json:"total_categories"`
}

// catalogueEntry is the JSON shape of one category in the catalogue file.
type catalogueEntry struct {
	Keywords []string `json:"keywords"`
	Phrases  []Phrase `json:"phrases"`
}

// defaultOrder fixes the scan order for the embedded catalogue.
var defaultOrder = []string{"thinking", "searching", "empathy", "acknowledgment"}

// defaultCatalogue is the embedded Arabic (Saudi dialect) catalogue used when
// no catalogue file is configured.
var defaultCatalogue = map[string]catalogueEntry{
	"thinking": {
		Phrases: []Phrase{
			{ID: "think_1", Text: "لحظة من فضلك"},
			{ID: "think_2", Text: "حطني على السماعة لحظة"},
			{ID: "think_3", Text: "دقيقة وحدة"},
		},
	},
	"searching": {
		Keywords: []string{"موعد", "دكتور", "طبيب", "حجز"},
		Phrases: []Phrase{
			{ID: "search_1", Text: "أبحث لك عن المواعيد المتاحة"},
			{ID: "search_2", Text: "خليني أشوف الجدول"},
			{ID: "search_3", Text: "أتحقق من البيانات"},
		},
	},
	"empathy": {
		Keywords: []string{"تعبان", "مريض", "ألم", "صعب", "مشكلة", "زعلان"},
		Phrases: []Phrase{
			{ID: "emp_1", Text: "أفهم شعورك تماماً"},
			{ID: "emp_2", Text: "الله يشفيك ويعافيك"},
			{ID: "emp_3", Text: "إن شاء الله خير"},
		},
	},
	"acknowledgment": {
		Phrases: []Phrase{
			{ID: "ack_1", Text: "تمام"},
			{ID: "ack_2", Text: "ممتاز"},
			{ID: "ack_3", Text: "حسناً"},
		},
	},
}

// Default returns a cache built from the embedded Arabic catalogue.
func Default() *Cache {
	c, err := build(defaultCatalogue, defaultOrder, "")
	if err != nil {
		// The embedded catalogue is well-formed.
		panic(err)
	}
	return c
}

// Load reads the catalogue from dir/filler_phrases.json and preloads any
// referenced audio from dir/audio. When the catalogue file does not exist,
// the embedded defaults are used.
func Load(dir string) (*Cache, error) {
	path := filepath.Join(dir, "filler_phrases.json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("filler catalogue not found, using embedded defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("filler: read catalogue: %w", err)
	}

	var catalogue map[string]catalogueEntry
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&catalogue); err != nil {
		return nil, fmt.Errorf("filler: parse catalogue %s: %w", path, err)
	}

	// JSON object order is not preserved by encoding/json; scan the known
	// categories first, then any custom ones alphabetically-by-appearance.
	order := make([]string, 0, len(catalogue))
	for _, name := range defaultOrder {
		if _, ok := catalogue[name]; ok {
			order = append(order, name)
		}
	}
	for name := range catalogue {
		known := false
		for _, n := range defaultOrder {
			if n == name {
				known = true
				break
			}
		}
		if !known {
			order = append(order, name)
		}
	}

	return build(catalogue, order, filepath.Join(dir, "audio"))
}

// build assembles the immutable cache, preloading audio when audioDir is set.
func build(catalogue map[string]catalogueEntry, order []string, audioDir string) (*Cache, error) {
	c := &Cache{byCategory: make(map[string]*atomic.Int64, len(order))}

	for _, name := range order {
		entry, ok := catalogue[name]
		if !ok {
			continue
		}
		cat := category{name: name, keywords: entry.Keywords}
		for i, p := range entry.Phrases {
			if p.Text == "" {
				return nil, fmt.Errorf("filler: category %s phrase %d has no text", name, i)
			}
			if p.ID == "" {
				p.ID = fmt.Sprintf("%s_%d", name, i)
			}
			p.Category = name
			if p.AudioFile != "" && audioDir != "" {
				pcm, err := os.ReadFile(filepath.Join(audioDir, p.AudioFile))
				if err != nil {
					slog.Warn("filler audio not loaded", "phrase", p.ID, "error", err)
				} else {
					p.PCM = pcm
					c.cachedAudio++
				}
			}
			cat.phrases = append(cat.phrases, p)
		}
		c.categories = append(c.categories, cat)
		c.byCategory[name] = &atomic.Int64{}
	}

	if len(c.categories) == 0 {
		return nil, fmt.Errorf("filler: catalogue defines no categories")
	}
	return c, nil
}

// find returns the category with the given name.
func (c *Cache) find(name string) (*category, bool) {
	for i := range c.categories {
		if c.categories[i].name == name {
			return &c.categories[i], true
		}
	}
	return nil, false
}

// record bumps the usage counters for a category.
func (c *Cache) record(name string) {
	c.totalUses.Add(1)
	if ctr, ok := c.byCategory[name]; ok {
		ctr.Add(1)
	}
}

// Random returns a uniformly random phrase from the category. Unknown or
// empty categories fall back to "thinking".
func (c *Cache) Random(categoryName string) Phrase {
	cat, ok := c.find(categoryName)
	if !ok || len(cat.phrases) == 0 {
		cat, ok = c.find("thinking")
		if !ok || len(cat.phrases) == 0 {
			return Phrase{ID: "default", Text: "لحظة", Category: categoryName}
		}
	}
	c.record(cat.name)
	return cat.phrases[rand.IntN(len(cat.phrases))]
}

// Prerendered returns a phrase whose audio was cached at load time,
// preferring the named category but falling back to any category. The second
// return is false when the catalogue holds no cached audio at all.
func (c *Cache) Prerendered(categoryName string) (Phrase, bool) {
	if cat, ok := c.find(categoryName); ok {
		if p, ok := pickCached(cat.phrases); ok {
			c.record(cat.name)
			return p, true
		}
	}
	for i := range c.categories {
		if p, ok := pickCached(c.categories[i].phrases); ok {
			c.record(c.categories[i].name)
			return p, true
		}
	}
	return Phrase{}, false
}

// pickCached returns a random phrase with preloaded audio.
func pickCached(phrases []Phrase) (Phrase, bool) {
	cached := make([]Phrase, 0, len(phrases))
	for _, p := range phrases {
		if len(p.PCM) > 0 {
			cached = append(cached, p)
		}
	}
	if len(cached) == 0 {
		return Phrase{}, false
	}
	return cached[rand.IntN(len(cached))], true
}

// Empathy returns an empathy phrase when userText contains one of the
// empathy trigger keywords (case-insensitive substring match). The second
// return is false when no keyword matched.
func (c *Cache) Empathy(userText string) (Phrase, bool) {
	cat, ok := c.find("empathy")
	if !ok {
		return Phrase{}, false
	}
	lower := strings.ToLower(userText)
	for _, kw := range cat.keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return c.Random("empathy"), true
		}
	}
	return Phrase{}, false
}

// Contextual scans every category's trigger keywords in catalogue definition
// order and returns a phrase from the first matching category. With no match
// it falls back to "thinking".
func (c *Cache) Contextual(userText string) Phrase {
	lower := strings.ToLower(userText)
	for i := range c.categories {
		for _, kw := range c.categories[i].keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return c.Random(c.categories[i].name)
			}
		}
	}
	return c.Random("thinking")
}

// Categories returns the category names in definition order.
func (c *Cache) Categories() []string {
	names := make([]string, len(c.categories))
	for i := range c.categories {
		names[i] = c.categories[i].name
	}
	return names
}

// Phrases returns all phrases in a category, nil for unknown categories.
func (c *Cache) Phrases(categoryName string) []Phrase {
	cat, ok := c.find(categoryName)
	if !ok {
		return nil
	}
	out := make([]Phrase, len(cat.phrases))
	copy(out, cat.phrases)
	return out
}

// Stats returns usage statistics since startup.
func (c *Cache) Stats() Stats {
	s := Stats{
		TotalUses:   c.totalUses.Load(),
		ByCategory:  make(map[string]int64, len(c.byCategory)),
		CachedAudio: c.cachedAudio,
		Categories:  len(c.categories),
	}
	for name, ctr := range c.byCategory {
		if n := ctr.Load(); n > 0 {
			s.ByCategory[name] = n
		}
	}
	return s
}
