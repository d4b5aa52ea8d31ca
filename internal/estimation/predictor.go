package estimation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Predictor is the remote wait-time model.
type Predictor interface {
	Predict(ctx context.Context, features map[string]float64) (minutes, confidence float64, err error)
}

type predictRequest struct {
	Features map[string]float64 `json:"features"`
}

type predictResponse struct {
	WaitMinutes *float64 `json:"wait_minutes"`
	Confidence  float64  `json:"confidence"`
}

func (r predictResponse) values() (float64, float64, error) {
	if r.WaitMinutes == nil {
		return 0, 0, errors.New("estimation: prediction missing wait_minutes")
	}
	return *r.WaitMinutes, r.Confidence, nil
}

// HTTPPredictor posts features as JSON to a model endpoint.
type HTTPPredictor struct {
	endpoint string
	client   *http.Client
}

func NewHTTPPredictor(endpoint string, client *http.Client) *HTTPPredictor {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPPredictor{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

func (p *HTTPPredictor) Predict(ctx context.Context, features map[string]float64) (float64, float64, error) {
	payload, err := json.Marshal(predictRequest{Features: features})
	if err != nil {
		return 0, 0, fmt.Errorf("estimation: encode prediction request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, fmt.Errorf("estimation: build prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("estimation: predictor call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, 0, fmt.Errorf("estimation: predictor returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, 0, fmt.Errorf("estimation: decode prediction: %w", err)
	}
	return decoded.values()
}

type bedrockInvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockPredictor invokes a Bedrock-hosted model that speaks the same
// features/wait_minutes JSON contract as the HTTP predictor.
type BedrockPredictor struct {
	api     bedrockInvokeModelAPI
	modelID string
}

func NewBedrockPredictor(api bedrockInvokeModelAPI, modelID string) *BedrockPredictor {
	if api == nil {
		panic("estimation: bedrock runtime client cannot be nil")
	}
	return &BedrockPredictor{api: api, modelID: modelID}
}

func (p *BedrockPredictor) Predict(ctx context.Context, features map[string]float64) (float64, float64, error) {
	if strings.TrimSpace(p.modelID) == "" {
		return 0, 0, errors.New("estimation: bedrock model id is required")
	}
	payload, err := json.Marshal(predictRequest{Features: features})
	if err != nil {
		return 0, 0, fmt.Errorf("estimation: encode prediction request: %w", err)
	}
	out, err := p.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("estimation: bedrock invoke: %w", err)
	}
	var decoded predictResponse
	if err := json.Unmarshal(out.Body, &decoded); err != nil {
		return 0, 0, fmt.Errorf("estimation: decode bedrock prediction: %w", err)
	}
	return decoded.values()
}
