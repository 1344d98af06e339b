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
	"github.com/kadirpekel/gatekeep/internal/gwerrors"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
	"github.com/kadirpekel/gatekeep/internal/streammerge"
)

const openAIUpstream = "https://api.openai.com/v1/chat/completions"

func (d *Deps) openAIHandlerFromParam() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.serveOpenAI(w, r, datasetParam(r))
	}
}

func (d *Deps) openAIHandler(dataset string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.serveOpenAI(w, r, dataset)
	}
}

// serveOpenAI implements the OpenAI chat.completions proxy route: resolve
// credentials, evaluate input guardrails, relay the request unary or
// streaming, evaluate output guardrails, and push the trace.
func (d *Deps) serveOpenAI(w http.ResponseWriter, r *http.Request, dataset string) {
	ctx := r.Context()

	creds, err := resolveCredentials(r.Header, "Authorization", dataset)
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

	requestMessages, err := canonical.OpenAIRequestToCanonical(requestJSON)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}

	inputResult := evaluateInput(ctx, d, r.Header, dataset, requestMessages, creds.GatewayKey)
	if inputResult.HasViolations() {
		d.pushIfEnabled(r.Header, dataset, requestMessages, inputResult, creds.GatewayKey)
		(&gwerrors.BlockingGuardrailError{Phase: gwerrors.PhaseInput, Details: inputResult.Errors}).WriteHTTP(w)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIUpstream, bytes.NewReader(bodyBytes))
	if err != nil {
		(&gwerrors.UpstreamTransportError{Unexpected: true, Err: err}).WriteHTTP(w)
		return
	}
	upstreamReq.Header = copyUpstreamHeaders(r.Header)
	upstreamReq.Header.Set("Authorization", "Bearer "+creds.ProviderKey)

	start := time.Now()
	resp, err := d.Upstream.Do(upstreamReq)
	if err != nil {
		d.Metrics.RecordProviderError("openai")
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	defer drainAndClose(resp.Body)

	streaming, _ := requestJSON["stream"].(bool)
	d.Metrics.RecordProviderCall("openai", streaming, time.Since(start))

	if resp.StatusCode >= 400 {
		d.relayUpstreamError(w, resp)
		return
	}

	if streaming {
		d.streamOpenAI(w, r, resp, dataset, requestMessages, creds.GatewayKey)
		return
	}
	d.unaryOpenAI(w, r, resp, dataset, requestMessages, creds.GatewayKey)
}

func (d *Deps) relayUpstreamError(w http.ResponseWriter, resp *http.Response) {
	body, _ := io.ReadAll(resp.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func (d *Deps) unaryOpenAI(w http.ResponseWriter, r *http.Request, resp *http.Response, dataset string, requestMessages []canonical.Message, gatewayCredential string) {
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

	responseMessages, _ := canonical.OpenAIResponseToCanonical(responseJSON)
	allMessages := append(append([]canonical.Message{}, requestMessages...), responseMessages...)

	outputResult := evaluate(ctx, d, r.Header, dataset, allMessages, gatewayCredential)
	if outputResult.HasViolations() {
		d.pushIfEnabled(r.Header, dataset, allMessages, outputResult, gatewayCredential)
		(&gwerrors.BlockingGuardrailError{Phase: gwerrors.PhaseOutputUnary, Details: outputResult.Errors}).WriteHTTP(w)
		return
	}

	d.pushIfEnabled(r.Header, dataset, allMessages, outputResult, gatewayCredential)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func (d *Deps) streamOpenAI(w http.ResponseWriter, r *http.Request, resp *http.Response, dataset string, requestMessages []canonical.Message, gatewayCredential string) {
	ctx := r.Context()
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	merger := streammerge.NewOpenAIMerger()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			fmt.Fprintf(w, "%s\n", line)
			if flusher != nil {
				flusher.Flush()
			}
			continue
		}
		if err := merger.Feed([]byte(data)); err != nil {
			slog.Warn("llmgateway: openai stream chunk parse failed", "error", err)
		}
		if !merger.Done() {
			fmt.Fprintf(w, "%s\n", line)
			if flusher != nil {
				flusher.Flush()
			}
			continue
		}

		// [DONE] carries no content of its own; withhold it until the merged
		// response has been checked, so a blocking violation can replace it
		// with an in-band error event instead of being relayed too late.
		responseMessages := merger.Messages()
		allMessages := append(append([]canonical.Message{}, requestMessages...), responseMessages...)
		outputResult := evaluate(ctx, d, r.Header, dataset, allMessages, gatewayCredential)
		d.pushIfEnabled(r.Header, dataset, allMessages, outputResult, gatewayCredential)
		if outputResult.HasViolations() {
			blockErr := &gwerrors.BlockingGuardrailError{Phase: gwerrors.PhaseOutputStreaming, Details: outputResult.Errors}
			_, _ = w.Write(blockErr.StreamEventOpenAI())
		} else {
			fmt.Fprintf(w, "%s\n", line)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return
	}

	// Body closed before [DONE] arrived; still evaluate and push whatever
	// was merged so the trace reflects the truncated response.
	responseMessages := merger.Messages()
	allMessages := append(append([]canonical.Message{}, requestMessages...), responseMessages...)
	outputResult := evaluate(ctx, d, r.Header, dataset, allMessages, gatewayCredential)
	d.pushIfEnabled(r.Header, dataset, allMessages, outputResult, gatewayCredential)
}

func (d *Deps) pushIfEnabled(headers http.Header, dataset string, messages []canonical.Message, result guardrails.Result, gatewayCredential string) {
	d.pushTrace(headers, dataset, "openai", messages, result, gatewayCredential)
}
