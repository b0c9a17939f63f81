package contextobj

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
)

// maxChunk bounds the size of an indexed passage.
const maxChunk = 1500

// Index is the knowledge index steps draw snippets from. It is a thin
// full-text layer; consolidation and long-term memory live elsewhere.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	logger *logging.Logger
}

type passage struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	IndexedAt time.Time `json:"indexed_at"`
}

// OpenIndex opens or creates an on-disk index at path.
func OpenIndex(path string) (*Index, error) {
	var (
		idx bleve.Index
		err error
	)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
	} else {
		idx, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bleve index: %w", err)
		}
	}
	return &Index{index: idx, logger: logging.New().WithComponent("knowledge")}, nil
}

// NewMemoryIndex creates an index that lives only for the process.
func NewMemoryIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	return &Index{index: idx, logger: logging.New().WithComponent("knowledge")}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	keyword := bleve.NewKeywordFieldMapping()
	date := bleve.NewDateTimeFieldMapping()

	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("source", keyword)
	doc.AddFieldMappingsAt("indexed_at", date)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

// Add indexes text under source, split into passages.
func (x *Index) Add(source, text string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	batch := x.index.NewBatch()
	n := 0
	for _, chunk := range chunkText(text) {
		p := passage{
			ID:        uuid.New().String(),
			Source:    source,
			Text:      chunk,
			IndexedAt: time.Now(),
		}
		if err := batch.Index(p.ID, p); err != nil {
			return 0, fmt.Errorf("failed to index passage: %w", err)
		}
		n++
	}
	if err := x.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return n, nil
}

// AddPath indexes a markdown or text file, or every such file under a directory.
func (x *Index) AddPath(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return x.addFile(path)
	}
	total := 0
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != path {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".md", ".txt":
		default:
			return nil
		}
		n, err := x.addFile(p)
		if err != nil {
			x.logger.Warn("skipping file", map[string]interface{}{"path": p, "error": err.Error()})
			return nil
		}
		total += n
		return nil
	})
	return total, err
}

func (x *Index) addFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return x.Add(path, string(data))
}

// Search returns up to limit snippets matching q, best first.
func (x *Index) Search(ctx context.Context, q string, limit int) ([]Snippet, error) {
	if strings.TrimSpace(q) == "" || limit <= 0 {
		return nil, nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(q))
	req.Size = limit
	req.Fields = []string{"text", "source"}

	res, err := x.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	out := make([]Snippet, 0, len(res.Hits))
	for _, hit := range res.Hits {
		text, _ := hit.Fields["text"].(string)
		source, _ := hit.Fields["source"].(string)
		if text == "" {
			continue
		}
		out = append(out, Snippet{Source: source, Text: text, Score: hit.Score})
	}
	return out, nil
}

// Count returns the number of indexed passages.
func (x *Index) Count() (uint64, error) {
	return x.index.DocCount()
}

// Close releases the underlying index.
func (x *Index) Close() error {
	return x.index.Close()
}

// chunkText splits on blank lines, merging paragraphs up to maxChunk.
func chunkText(text string) []string {
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para) > maxChunk {
			flush()
		}
		for len(para) > maxChunk {
			chunks = append(chunks, para[:maxChunk])
			para = para[maxChunk:]
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}
