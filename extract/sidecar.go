package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/task"
)

// SidecarCapability provisions environments backed by an extraction sidecar:
// a separate process exposing POST /api/extract/execute that runs the payload
// in an isolated browser context and returns the extracted records as JSON.
type SidecarCapability struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// NewSidecarCapability creates a capability talking to the sidecar at
// baseURL. requestTimeout bounds the whole HTTP exchange and should exceed
// the runner's hard execution timeout so the sidecar's own error responses
// arrive before the transport gives up.
func NewSidecarCapability(baseURL string, requestTimeout time.Duration, logger *zap.SugaredLogger) *SidecarCapability {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SidecarCapability{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

// Acquire returns an environment bound to the sidecar. The sidecar isolates
// per-request, so acquisition is cheap and never blocks.
func (c *SidecarCapability) Acquire(ctx context.Context) (Environment, error) {
	select {
	case <-ctx.Done():
		return nil, errors.WithKind(ctx.Err(), errors.KindExtraction)
	default:
	}
	return &sidecarEnvironment{capability: c}, nil
}

type executeRequest struct {
	Code string `json:"code"`
}

type executeResponse struct {
	Success bool            `json:"success"`
	Records json.RawMessage `json:"records,omitempty"`
	Stderr  string          `json:"stderr,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type sidecarEnvironment struct {
	capability *SidecarCapability
}

// Run posts the payload to the sidecar and decodes the result. Failures are
// classified: transport and sidecar-reported errors are extraction errors
// (transient, retryable); a success response whose records are not an array
// of objects is a malformed result (deterministic, not retryable).
func (e *sidecarEnvironment) Run(ctx context.Context, payload string) ([]task.Record, error) {
	c := e.capability

	reqBody, err := json.Marshal(executeRequest{Code: payload})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling execute request")
	}

	url := fmt.Sprintf("%s/api/extract/execute", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "creating execute request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WithKind(ctx.Err(), errors.KindTimeout)
		}
		return nil, errors.WithKind(
			errors.Wrap(err, "extraction sidecar unreachable"), errors.KindExtraction)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithKind(
			errors.Wrap(err, "reading sidecar response"), errors.KindExtraction)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewKind(errors.KindExtraction,
			"extraction sidecar returned %d: %s", resp.StatusCode, string(body))
	}

	var execResp executeResponse
	if err := json.Unmarshal(body, &execResp); err != nil {
		return nil, errors.WithKind(
			errors.Wrapf(err, "parsing sidecar response: %s", string(body)),
			errors.KindExtraction)
	}

	if !execResp.Success {
		msg := execResp.Error
		if msg == "" {
			msg = "extraction failed without an error message"
		}
		if execResp.Stderr != "" {
			msg = fmt.Sprintf("%s\nstderr:\n%s", msg, execResp.Stderr)
		}
		return nil, errors.NewKind(errors.KindExtraction, "%s", msg)
	}

	records, err := DecodeRecords(execResp.Records)
	if err != nil {
		return nil, err
	}

	c.logger.Debugw("Extraction completed", "records", len(records))
	return records, nil
}

// Close is a no-op: the sidecar tears down its browser context per request.
func (e *sidecarEnvironment) Close() error { return nil }

// DecodeRecords interprets an extraction result as a list of records. The
// contract requires a JSON array of objects; anything else, including a bare
// object, a scalar, or an array with non-object elements, is malformed.
func DecodeRecords(raw json.RawMessage) ([]task.Record, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.NewKind(errors.KindMalformedResult,
			"extraction returned no result; expected a list of records")
	}

	var records []task.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, errors.WithKind(
			errors.Wrap(err, "extraction result is not a list of records"),
			errors.KindMalformedResult)
	}
	for i, r := range records {
		if r == nil {
			return nil, errors.NewKind(errors.KindMalformedResult,
				"extraction result item %d is not an object", i)
		}
	}
	return records, nil
}
