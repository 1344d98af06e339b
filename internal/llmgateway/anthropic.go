package llmgateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/gatekeep/internal/canonical"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
	"github.com/kadirpekel/gatekeep/internal/gwerrors"
	"github.com/kadirpekel/gatekeep/internal/streammerge"
)

const anthropicUpstream = "https://api.anthropic.com/v1/messages"

func (d *Deps) anthropicHandlerFromParam() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.serveAnthropic(w, r, datasetParam(r))
	}
}

func (d *Deps) anthropicHandler(dataset string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.serveAnthropic(w, r, dataset)
	}
}

// serveAnthropic implements the Anthropic Messages proxy route. It mirrors serveOpenAI except for the provider credential header
// (x-api-key) and the message_stop stream sentinel.
func (d *Deps) serveAnthropic(w http.ResponseWriter, r *http.Request, dataset string) {
	ctx := r.Context()

	creds, err := resolveCredentials(r.Header, "x-api-key", dataset)
	if err != nil {
		(&gwerrors.ClientAuthError{Detail: err.Error()}).WriteHTTP(w)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	var requestJSON map[string]any
	if err := json.Unmarshal(bodyBytes, &requestJSON); err != nil {
		(&gwerrors.ClientAuthError{Detail: "invalid JSON body"}).WriteHTTP(w)
		return
	}

	requestMessages, err := canonical.AnthropicRequestToCanonical(requestJSON)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}

	inputResult := evaluateInput(ctx, d, r.Header, dataset, requestMessages, creds.GatewayKey)
	if inputResult.HasViolations() {
		d.pushAnthropicTrace(r.Header, dataset, requestMessages, inputResult, creds.GatewayKey)
		(&gwerrors.BlockingGuardrailError{Phase: gwerrors.PhaseInput, Details: inputResult.Errors}).WriteHTTP(w)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicUpstream, bytes.NewReader(bodyBytes))
	if err != nil {
		(&gwerrors.UpstreamTransportError{Unexpected: true, Err: err}).WriteHTTP(w)
		return
	}
	upstreamReq.Header = copyUpstreamHeaders(r.Header)
	upstreamReq.Header.Set("x-api-key", creds.ProviderKey)
	if version := r.Header.Get("anthropic-version"); version != "" {
		upstreamReq.Header.Set("anthropic-version", version)
	} else {
		upstreamReq.Header.Set("anthropic-version", "2023-06-01")
	}

	start := time.Now()
	resp, err := d.Upstream.Do(upstreamReq)
	if err != nil {
		d.Metrics.RecordProviderError("anthropic")
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	defer drainAndClose(resp.Body)

	streaming, _ := requestJSON["stream"].(bool)
	d.Metrics.RecordProviderCall("anthropic", streaming, time.Since(start))

	if resp.StatusCode >= 400 {
		d.relayUpstreamError(w, resp)
		return
	}

	if streaming {
		d.streamAnthropic(w, r, resp, dataset, requestMessages, creds.GatewayKey)
		return
	}
	d.unaryAnthropic(w, r, resp, dataset, requestMessages, creds.GatewayKey)
}

func (d *Deps) unaryAnthropic(w http.ResponseWriter, r *http.Request, resp *http.Response, dataset string, requestMessages []canonical.Message, gatewayCredential string) {
	ctx := r.Context()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}

	var responseJSON map[string]any
	if err := json.Unmarshal(body, &responseJSON); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	responseMessages, _ := canonical.AnthropicResponseToCanonical(responseJSON)
	allMessages := append(append([]canonical.Message{}, requestMessages...), responseMessages...)

	outputResult := evaluate(ctx, d, r.Header, dataset, allMessages, gatewayCredential)
	if outputResult.HasViolations() {
		d.pushAnthropicTrace(r.Header, dataset, allMessages, outputResult, gatewayCredential)
		(&gwerrors.BlockingGuardrailError{Phase: gwerrors.PhaseOutputUnary, Details: outputResult.Errors}).WriteHTTP(w)
		return
	}
	d.pushAnthropicTrace(r.Header, dataset, allMessages, outputResult, gatewayCredential)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func (d *Deps) streamAnthropic(w http.ResponseWriter, r *http.Request, resp *http.Response, dataset string, requestMessages []canonical.Message, gatewayCredential string) {
	ctx := r.Context()
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	merger := streammerge.NewAnthropicMerger()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentEvent string
	for scanner.Scan() {
		line := scanner.Text()

		if event, ok := strings.CutPrefix(line, "event: "); ok {
			currentEvent = event
			if currentEvent != "message_stop" {
				fmt.Fprintf(w, "%s\n", line)
				if flusher != nil {
					flusher.Flush()
				}
			}
			continue
		}

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			fmt.Fprintf(w, "%s\n", line)
			if flusher != nil {
				flusher.Flush()
			}
			continue
		}
		if err := merger.Feed(currentEvent, []byte(data)); err != nil {
			slog.Warn("llmgateway: anthropic stream chunk parse failed", "error", err)
		}
		if currentEvent != "message_stop" {
			fmt.Fprintf(w, "%s\n", line)
			if flusher != nil {
				flusher.Flush()
			}
			continue
		}

		// message_stop's event/data pair is withheld until the merged
		// response has been checked, so a blocking violation can replace it
		// with an in-band error event instead of being relayed too late.
		responseMessages := merger.Messages()
		allMessages := append(append([]canonical.Message{}, requestMessages...), responseMessages...)
		outputResult := evaluate(ctx, d, r.Header, dataset, allMessages, gatewayCredential)
		d.pushAnthropicTrace(r.Header, dataset, allMessages, outputResult, gatewayCredential)
		if outputResult.HasViolations() {
			blockErr := &gwerrors.BlockingGuardrailError{Phase: gwerrors.PhaseOutputStreaming, Details: outputResult.Errors}
			_, _ = w.Write(blockErr.StreamEventAnthropic())
		} else {
			fmt.Fprintf(w, "event: %s\n", currentEvent)
			fmt.Fprintf(w, "%s\n", line)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	// Body closed before message_stop arrived; still evaluate and push
	// whatever was merged so the trace reflects the truncated response.
	responseMessages := merger.Messages()
	allMessages := append(append([]canonical.Message{}, requestMessages...), responseMessages...)
	outputResult := evaluate(ctx, d, r.Header, dataset, allMessages, gatewayCredential)
	d.pushAnthropicTrace(r.Header, dataset, allMessages, outputResult, gatewayCredential)
}

func (d *Deps) pushAnthropicTrace(headers http.Header, dataset string, messages []canonical.Message, result guardrails.Result, gatewayCredential string) {
	d.pushTrace(headers, dataset, "anthropic", messages, result, gatewayCredential)
}
