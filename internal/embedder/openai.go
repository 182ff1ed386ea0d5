package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// apiBatchSize is the largest sub-batch sent in one HTTP request.
	// Larger engine batches are split and embedded concurrently.
	apiBatchSize = 50

	// queryCacheSize bounds the LRU cache of query embeddings.
	queryCacheSize = 1024

	defaultTimeout = 30 * time.Second
)

// OpenAIConfig configures the OpenAI-compatible HTTP provider. BaseURL may
// point at any server speaking the /embeddings protocol, including a local
// one.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIEmbedder embeds text via an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	callbacks  Callbacks
	cache      *lru.Cache[string, []float32]

	wg sync.WaitGroup
}

// NewOpenAI creates the provider. Callbacks may be zero for query-only use.
func NewOpenAI(cfg OpenAIConfig, callbacks Callbacks) *OpenAIEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cache, err := lru.New[string, []float32](queryCacheSize)
	if err != nil {
		// Only possible with a non-positive size
		cache, _ = lru.New[string, []float32](1024)
	}
	return &OpenAIEmbedder{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		callbacks:  callbacks,
		cache:      cache,
	}
}

// ModelName returns the configured model name, empty when unavailable.
func (e *OpenAIEmbedder) ModelName() string {
	if e.cfg.BaseURL == "" {
		return ""
	}
	return e.cfg.Model
}

// EmbedQuery synchronously embeds a retrieval query, consulting the LRU
// cache first.
func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if e.ModelName() == "" {
		return nil, ErrNoModel
	}

	hash := HashText(text)
	if vec, ok := e.cache.Get(hash); ok {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}

	vectors, err := retryWithBackoff(ctx, DefaultRetryConfig(), func() ([][]float32, error) {
		return e.callAPI(ctx, []string{text})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrProviderFailed)
	}

	e.cache.Add(hash, vectors[0])
	return vectors[0], nil
}

// EmbedBatchAsync embeds a chunk batch in the background, splitting it into
// concurrent API-sized sub-batches, and delivers the combined results (or a
// per-folder error) through the callbacks.
func (e *OpenAIEmbedder) EmbedBatchAsync(batch []Chunk) {
	if len(batch) == 0 {
		return
	}
	chunks := make([]Chunk, len(batch))
	copy(chunks, batch)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.embedBatch(chunks)
	}()
}

func (e *OpenAIEmbedder) embedBatch(chunks []Chunk) {
	ctx := context.Background()
	results := make([]Result, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(chunks); start += apiBatchSize {
		end := start + apiBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		sub := chunks[start:end]
		offset := start
		g.Go(func() error {
			texts := make([]string, len(sub))
			for i, c := range sub {
				texts[i] = c.Text
			}
			vectors, err := retryWithBackoff(gctx, DefaultRetryConfig(), func() ([][]float32, error) {
				return e.callAPI(gctx, texts)
			})
			if err != nil {
				return err
			}
			if len(vectors) != len(sub) {
				return fmt.Errorf("%w: got %d embeddings for %d texts", ErrProviderFailed, len(vectors), len(sub))
			}
			for i, vec := range vectors {
				results[offset+i] = Result{
					FolderID: sub[i].FolderID,
					ChunkID:  sub[i].ChunkID,
					Vector:   vec,
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if e.callbacks.OnError != nil {
			// Errors surface per folder
			seen := make(map[int64]bool)
			for _, c := range chunks {
				if !seen[c.FolderID] {
					seen[c.FolderID] = true
					e.callbacks.OnError(c.FolderID, err.Error())
				}
			}
		}
		return
	}

	if e.callbacks.OnResults != nil {
		e.callbacks.OnResults(results)
	}
}

// Close waits for all in-flight batches to finish.
func (e *OpenAIEmbedder) Close() error {
	e.wg.Wait()
	return nil
}

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// callAPI performs one POST to the /embeddings endpoint.
func (e *OpenAIEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Input: texts, Model: e.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embeddings API returned %d: %s", resp.StatusCode, msg)
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	vectors := make([][]float32, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings API returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
