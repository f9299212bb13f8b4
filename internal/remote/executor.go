// Package remote calls the external processing providers on behalf of
// the pipeline driver.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"annopipe/internal/pipeline"
)

// StageRequest carries everything a provider needs to run one stage.
type StageRequest struct {
	TaskID       int64                 `json:"task_id"`
	Stage        string                `json:"stage"`
	Provider     string                `json:"provider,omitempty"`
	Options      pipeline.StageOptions `json:"options"`
	Inputs       []pipeline.InputFile  `json:"inputs"`
	PriorResults []pipeline.ResultFile `json:"prior_results,omitempty"`
}

// StageResult is the success envelope of a stage run. Protocol carries
// the provider's human-readable log verbatim.
type StageResult struct {
	Results  []pipeline.ResultFile `json:"results"`
	Protocol string                `json:"protocol"`
}

// Executor runs one pipeline stage against a remote provider.
type Executor interface {
	Run(ctx context.Context, req StageRequest) (StageResult, error)
}

// ErrNoEndpoint reports a stage with no configured provider endpoint.
var ErrNoEndpoint = errors.New("no endpoint configured for stage")

const defaultCallTimeout = 5 * time.Minute

// envelope mirrors the provider response format: a success flag plus
// either results or an error message.
type envelope struct {
	Success  bool                  `json:"success"`
	Message  string                `json:"message"`
	Protocol string                `json:"protocol"`
	Results  []pipeline.ResultFile `json:"results"`
}

// HTTPExecutor posts stage requests to per-stage provider endpoints.
type HTTPExecutor struct {
	client    *resty.Client
	endpoints map[string]string
}

// NewHTTPExecutor builds an executor for the given stage-name to
// endpoint mapping.
func NewHTTPExecutor(endpoints map[string]string) *HTTPExecutor {
	client := resty.New().
		SetTimeout(defaultCallTimeout).
		SetRetryCount(1).
		SetHeader("Accept", "application/json")
	return &HTTPExecutor{client: client, endpoints: endpoints}
}

// Run posts the request and unwraps the provider envelope. A transport
// failure or a non-success envelope both surface as errors whose text
// ends up in the round protocol.
func (e *HTTPExecutor) Run(ctx context.Context, req StageRequest) (StageResult, error) {
	endpoint, ok := e.endpoints[req.Stage]
	if !ok || endpoint == "" {
		return StageResult{}, fmt.Errorf("%w: %s", ErrNoEndpoint, req.Stage)
	}

	start := time.Now()
	var env envelope
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&env).
		Post(endpoint)
	if err != nil {
		return StageResult{}, fmt.Errorf("%s call failed: %w", req.Stage, err)
	}
	log.Debug().
		Str("stage", req.Stage).
		Int64("task_id", req.TaskID).
		Int("status", resp.StatusCode()).
		Dur("latency", time.Since(start)).
		Msg("stage call completed")

	if resp.IsError() {
		return StageResult{}, fmt.Errorf("%s returned HTTP %d", req.Stage, resp.StatusCode())
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "provider reported failure without message"
		}
		return StageResult{}, errors.New(msg)
	}
	return StageResult{Results: env.Results, Protocol: env.Protocol}, nil
}
