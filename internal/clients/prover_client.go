package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"rollup-sequencer/internal/config"
	"rollup-sequencer/internal/types"
)

// ProverClient proof generation service client
type ProverClient struct {
	BaseURL string
	Client  *http.Client
}

// NewProverClient Create a new prover client
func NewProverClient(cfg config.ProverConfig) *ProverClient {
	// proofs take minutes, default to 10 minutes
	timeout := 600 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	log.Printf("🔧 [Prover] Create client: BaseURL=%s, Timeout=%v", cfg.BaseURL, timeout)
	return &ProverClient{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateProof requests an inner rollup or claim proof
func (c *ProverClient) CreateProof(ctx context.Context, request []byte) ([]byte, error) {
	return c.post(ctx, "/api/proof/create", request)
}

// CreateAggregateProof requests a root rollup proof
func (c *ProverClient) CreateAggregateProof(ctx context.Context, request []byte) ([]byte, error) {
	return c.post(ctx, "/api/proof/aggregate", request)
}

func (c *ProverClient) post(ctx context.Context, path string, request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(request))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ [Prover] %s failed: status=%d", path, resp.StatusCode)
		log.Printf("   Response body: %s", string(body))
		return nil, fmt.Errorf("prover returned error (status %d): %s", resp.StatusCode, string(body))
	}

	var result types.ProofResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("prover failed: %s", result.Error)
	}

	log.Printf("✅ [Prover] %s completed in %v (%d bytes)", path, time.Since(start), len(result.ProofData))
	return result.ProofData, nil
}
