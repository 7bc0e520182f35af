package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/pysugar/qwen-nexus/internal/db/models"
	"github.com/pysugar/qwen-nexus/internal/dispatch"
	"github.com/pysugar/qwen-nexus/internal/logging"
	"github.com/pysugar/qwen-nexus/internal/quota"
	"github.com/pysugar/qwen-nexus/internal/upstream"
	"github.com/tidwall/gjson"
)

// ModelData is one entry of the OpenAI /v1/models response.
type ModelData struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// The Qwen API has no models endpoint, so the catalog is static.
var qwenModels = []ModelData{
	{ID: "qwen3-coder-plus", Object: "model", Created: 1754686206, OwnedBy: "qwen"},
	{ID: "qwen3-coder-turbo", Object: "model", Created: 1754686206, OwnedBy: "qwen"},
	{ID: "qwen3-plus", Object: "model", Created: 1754686206, OwnedBy: "qwen"},
	{ID: "qwen3-turbo", Object: "model", Created: 1754686206, OwnedBy: "qwen"},
}

// OpenAIChatHandler proxies /v1/chat/completions through the quota-aware
// dispatcher, relaying SSE chunks live when the client asked for streaming.
func OpenAIChatHandler(d *dispatch.Dispatcher, client *upstream.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
			return
		}

		requestID := GetOrGenerateRequestID(r)
		ctx := logging.WithRequestID(r.Context(), requestID)
		stream := gjson.GetBytes(body, "stream").Bool()

		res, err := d.Dispatch(ctx, func(ctx context.Context, acc *models.Account) (*upstream.Result, error) {
			return client.ChatCompletions(ctx, acc, body, stream)
		})
		if err != nil {
			writeDispatchError(w, requestID, err)
			return
		}

		if res.Stream != nil {
			defer res.Stream.Body.Close()
			if err := upstream.CopyResponse(w, res.Stream); err != nil {
				// Downstream hung up mid-stream; nothing to send anymore.
				log.Printf("⚠️ [%s] Stream relay aborted: %v", requestID, err)
			}
			return
		}
		writeResult(w, res)
	}
}

// EmbeddingsHandler proxies /v1/embeddings through the dispatcher.
func EmbeddingsHandler(d *dispatch.Dispatcher, client *upstream.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
			return
		}

		requestID := GetOrGenerateRequestID(r)
		ctx := logging.WithRequestID(r.Context(), requestID)

		res, err := d.Dispatch(ctx, func(ctx context.Context, acc *models.Account) (*upstream.Result, error) {
			return client.Embeddings(ctx, acc, body)
		})
		if err != nil {
			writeDispatchError(w, requestID, err)
			return
		}
		writeResult(w, res)
	}
}

// ModelsHandler serves the static Qwen model catalog in OpenAI list format.
func ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   qwenModels,
		})
	}
}

func writeResult(w http.ResponseWriter, res *upstream.Result) {
	if ct := res.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}

// writeDispatchError maps the dispatcher's error taxonomy onto OpenAI-style
// error responses.
func writeDispatchError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, dispatch.ErrQuotaExhausted):
		retryIn := quota.UntilDailyReset(time.Now())
		w.Header().Set("Retry-After", strconv.Itoa(int(retryIn.Seconds())))
		log.Printf("🚫 [%s] All accounts exhausted, quota resets in %s", requestID, retryIn.Round(time.Minute))
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("daily quota exhausted on all accounts, resets in %s", retryIn.Round(time.Minute)),
			"insufficient_quota")

	case errors.Is(err, quota.ErrNoAccounts):
		writeError(w, http.StatusServiceUnavailable,
			"no accounts configured, run `nexus login` to authenticate one", "configuration_error")

	case errors.Is(err, dispatch.ErrUpstreamTimeout):
		log.Printf("⏰ [%s] Upstream timeout: %v", requestID, err)
		writeError(w, http.StatusGatewayTimeout, "upstream request timed out", "timeout_error")

	default:
		var provErr *dispatch.ProviderError
		if errors.As(err, &provErr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(provErr.StatusCode)
			w.Write(provErr.Body)
			return
		}
		log.Printf("❌ [%s] Dispatch failed: %v", requestID, err)
		writeError(w, http.StatusInternalServerError, err.Error(), "api_error")
	}
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
