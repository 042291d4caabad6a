package blinkpay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// maxTargetResponseBytes caps how much of a target response is read.
const maxTargetResponseBytes = 4 << 20

// InvokeResult is the outcome of the monetized call to a blink's target
// endpoint.
type InvokeResult struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// TargetInvoker performs the monetized HTTP call described by a blink,
// invoked only after settlement confirms payment. When the blink declares
// an output schema, the target response is validated against it so callers
// never pay for undecodable output.
type TargetInvoker struct {
	client *http.Client
}

// NewTargetInvoker creates an invoker with the given per-call timeout.
func NewTargetInvoker(timeout time.Duration) *TargetInvoker {
	return &TargetInvoker{client: &http.Client{Timeout: timeout}}
}

// Invoke calls the blink's target endpoint and measures execution latency.
// The latency is reported even on failure so runs record how long the
// attempt took.
func (inv *TargetInvoker) Invoke(ctx context.Context, blink *Blink) (*InvokeResult, error) {
	method := blink.TargetMethod
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, blink.TargetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build target request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := inv.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return &InvokeResult{Duration: elapsed}, fmt.Errorf("target call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTargetResponseBytes))
	if err != nil {
		return &InvokeResult{StatusCode: resp.StatusCode, Duration: elapsed}, fmt.Errorf("read target response: %w", err)
	}

	result := &InvokeResult{StatusCode: resp.StatusCode, Body: body, Duration: elapsed}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, fmt.Errorf("target returned status %d", resp.StatusCode)
	}

	if blink.OutputSchema != "" {
		if err := validateOutput(blink.OutputSchema, body); err != nil {
			return result, err
		}
	}

	return result, nil
}

func validateOutput(schema string, body []byte) error {
	res, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		return fmt.Errorf("output schema validation: %w", err)
	}
	if !res.Valid() {
		if errs := res.Errors(); len(errs) > 0 {
			return fmt.Errorf("target response does not match output schema: %s", errs[0].String())
		}
		return fmt.Errorf("target response does not match output schema")
	}
	return nil
}
