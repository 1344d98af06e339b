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

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/gatekeep/internal/canonical"
	"github.com/kadirpekel/gatekeep/internal/guardrails"
	"github.com/kadirpekel/gatekeep/internal/gwerrors"
	"github.com/kadirpekel/gatekeep/internal/streammerge"
)

const geminiUpstreamBase = "https://generativelanguage.googleapis.com"

func (d *Deps) geminiHandlerFromParam() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.serveGemini(w, r, datasetParam(r))
	}
}

func (d *Deps) geminiHandler(dataset string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.serveGemini(w, r, dataset)
	}
}

// serveGemini implements the Gemini generateContent/streamGenerateContent
// proxy route. Gemini encodes both the API version and the
// streaming choice in the URL path/query rather than the JSON body, so this
// handler reconstructs the upstream path instead of hardcoding one.
func (d *Deps) serveGemini(w http.ResponseWriter, r *http.Request, dataset string) {
	ctx := r.Context()

	creds, err := resolveCredentials(r.Header, "x-goog-api-key", dataset)
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

	requestMessages, err := canonical.GeminiRequestToCanonical(requestJSON)
	if err != nil {
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}

	inputResult := evaluateInput(ctx, d, r.Header, dataset, requestMessages, creds.GatewayKey)
	if inputResult.HasViolations() {
		d.pushGeminiTrace(r.Header, dataset, requestMessages, inputResult, creds.GatewayKey)
		(&gwerrors.BlockingGuardrailError{Phase: gwerrors.PhaseInput, Details: inputResult.Errors}).WriteHTTP(w)
		return
	}

	version := chi.URLParam(r, "v")
	model := chi.URLParam(r, "model") // "<model-name>:<action>", e.g. "gemini-1.5-pro:streamGenerateContent"
	upstreamURL := fmt.Sprintf("%s/%s/models/%s", geminiUpstreamBase, version, model)
	if q := r.URL.RawQuery; q != "" {
		upstreamURL += "?" + q
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(bodyBytes))
	if err != nil {
		(&gwerrors.UpstreamTransportError{Unexpected: true, Err: err}).WriteHTTP(w)
		return
	}
	upstreamReq.Header = copyUpstreamHeaders(r.Header)
	upstreamReq.Header.Set("x-goog-api-key", creds.ProviderKey)

	start := time.Now()
	resp, err := d.Upstream.Do(upstreamReq)
	if err != nil {
		d.Metrics.RecordProviderError("gemini")
		(&gwerrors.UpstreamTransportError{Err: err}).WriteHTTP(w)
		return
	}
	defer drainAndClose(resp.Body)

	streaming := strings.Contains(model, ":streamGenerateContent") || strings.Contains(r.URL.RawQuery, "alt=sse")
	d.Metrics.RecordProviderCall("gemini", streaming, time.Since(start))

	if resp.StatusCode >= 400 {
		d.relayUpstreamError(w, resp)
		return
	}

	if streaming {
		d.streamGemini(w, r, resp, dataset, requestMessages, creds.GatewayKey)
		return
	}
	d.unaryGemini(w, r, resp, dataset, requestMessages, creds.GatewayKey)
}

func (d *Deps) unaryGemini(w http.ResponseWriter, r *http.Request, resp *http.Response, dataset string, requestMessages []canonical.Message, gatewayCredential string) {
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

	responseMessages, _ := canonical.GeminiResponseToCanonical(responseJSON)
	allMessages := append(append([]canonical.Message{}, requestMessages...), responseMessages...)

	outputResult := evaluate(ctx, d, r.Header, dataset, allMessages, gatewayCredential)
	if outputResult.HasViolations() {
		d.pushGeminiTrace(r.Header, dataset, allMessages, outputResult, gatewayCredential)
		(&gwerrors.BlockingGuardrailError{Phase: gwerrors.PhaseOutputUnary, Details: outputResult.Errors}).WriteHTTP(w)
		return
	}
	d.pushGeminiTrace(r.Header, dataset, allMessages, outputResult, gatewayCredential)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func (d *Deps) streamGemini(w http.ResponseWriter, r *http.Request, resp *http.Response, dataset string, requestMessages []canonical.Message, gatewayCredential string) {
	ctx := r.Context()
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	merger := streammerge.NewGeminiMerger()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)
		if flusher != nil {
			flusher.Flush()
		}

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if err := merger.Feed([]byte(data)); err != nil {
			slog.Warn("llmgateway: gemini stream chunk parse failed", "error", err)
		}
	}
	// Gemini has no in-band end sentinel; end-of-body marks completion.
	merger.Close()

	responseMessages := merger.Messages()
	allMessages := append(append([]canonical.Message{}, requestMessages...), responseMessages...)
	outputResult := evaluate(ctx, d, r.Header, dataset, allMessages, gatewayCredential)
	d.pushGeminiTrace(r.Header, dataset, allMessages, outputResult, gatewayCredential)
}

func (d *Deps) pushGeminiTrace(headers http.Header, dataset string, messages []canonical.Message, result guardrails.Result, gatewayCredential string) {
	d.pushTrace(headers, dataset, "gemini", messages, result, gatewayCredential)
}
