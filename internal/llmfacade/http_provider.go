package llmfacade

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/diagramflow/core/internal/domain"
)

// HTTPDoer is the narrow subset of *http.Client the HTTP provider adapters
// need; satisfied by *http.Client and easily faked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// chatRequest is the wire shape POSTed to a provider's one-shot and
// streaming endpoints (spec.md §6).
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// chatResponse is the normalized one-shot response shape spec.md §6
// describes: "choices[0].message.content" plus a usage object and an
// optional error object. HTTPOneShotProvider decodes every provider's
// response into this one shape; there is no per-provider normalization.
type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// HTTPOneShotProvider is a one-shot HTTP provider adapter: it POSTs a JSON
// chat completion request with bearer auth and parses the normalized
// response shape (spec.md §6).
type HTTPOneShotProvider struct {
	Endpoint string
	Model    string
	APIKey   domain.SecretString
	Client   HTTPDoer
}

// Call issues one HTTP request and returns the parsed Result.
func (p *HTTPOneShotProvider) Call(ctx context.Context, prompt string, opts Options) (Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return Result{}, NewProviderError(0, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, NewProviderError(0, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey.Expose())

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{}, &ProviderError{Kind: KindNetwork, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil {
		return Result{}, NewProviderError(resp.StatusCode, "malformed response body", decodeErr)
	}

	if resp.StatusCode != http.StatusOK {
		message := fmt.Sprintf("provider returned status %d", resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
		return Result{}, NewProviderError(resp.StatusCode, message, nil)
	}

	if len(parsed.Choices) == 0 {
		return Result{}, NewProviderError(resp.StatusCode, "no choices in response", nil)
	}

	return Result{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// streamEvent is one line of a provider's SSE-framed streaming response
// (spec.md §6: "a series of framed JSON events ... terminated by a
// sentinel").
type streamEvent struct {
	Delta string `json:"delta"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

const streamSentinel = "[DONE]"

// HTTPStreamProvider is a streaming HTTP provider adapter: it POSTs with
// stream=true and parses one `data: {...}` frame per line, forwarding
// Delta/Done/Error chunks. It honors backpressure (the scanning loop never
// advances past an unread send) and closes the upstream response body as
// soon as ctx is cancelled.
type HTTPStreamProvider struct {
	Endpoint string
	Model    string
	APIKey   domain.SecretString
	Client   HTTPDoer
}

// Stream issues the streaming HTTP request and returns a channel of Chunks.
func (p *HTTPStreamProvider) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, NewProviderError(0, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(0, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey.Expose())

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, &ProviderError{Kind: KindNetwork, Message: "request failed", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, NewProviderError(resp.StatusCode, fmt.Sprintf("provider returned status %d", resp.StatusCode), nil)
	}

	out := make(chan Chunk)
	go p.pump(ctx, resp, out)
	return out, nil
}

// pump scans the response body line by line, forwarding chunks until Done,
// Error, EOF, or ctx cancellation. It always closes the response body,
// which is what stops the upstream connection when the consumer abandons
// the stream.
func (p *HTTPStreamProvider) pump(ctx context.Context, resp *http.Response, out chan<- Chunk) {
	defer close(out)
	defer resp.Body.Close()

	go func() {
		<-ctx.Done()
		resp.Body.Close()
	}()

	var usage Usage
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "data:")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == streamSentinel {
			sendChunk(ctx, out, Chunk{Kind: ChunkDone, Usage: usage})
			return
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			if !sendChunk(ctx, out, Chunk{Kind: ChunkError, ErrKind: KindMalformed, ErrMessage: err.Error()}) {
				return
			}
			return
		}

		if ev.Error != "" {
			if !sendChunk(ctx, out, Chunk{Kind: ChunkError, ErrKind: KindUnknown, ErrMessage: ev.Error}) {
				return
			}
			return
		}

		if ev.Usage != nil {
			usage = Usage{PromptTokens: ev.Usage.PromptTokens, CompletionTokens: ev.Usage.CompletionTokens}
		}

		if ev.Delta != "" {
			if !sendChunk(ctx, out, Chunk{Kind: ChunkDelta, Delta: ev.Delta}) {
				return
			}
		}

		if ev.Done {
			sendChunk(ctx, out, Chunk{Kind: ChunkDone, Usage: usage})
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		sendChunk(ctx, out, Chunk{Kind: ChunkError, ErrKind: KindNetwork, ErrMessage: err.Error()})
	}
}

// sendChunk sends chunk on out, respecting cancellation so a consumer that
// stops reading never blocks this goroutine forever. Returns false if ctx
// was cancelled before the send could complete.
func sendChunk(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
