package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/ratelimit"
	"github.com/glowingkitty/OpenMates-sub005/pkg/sanitize"
)

const (
	// DefaultTimeout bounds one skill HTTP round-trip.
	DefaultTimeout = 20 * time.Second

	// DefaultMaxRetries is the retry budget after the first attempt.
	DefaultMaxRetries = 1

	// retryDelay is the pause between attempts.
	retryDelay = time.Second

	// maxBatchRequests caps batched fan-out; overflow is truncated.
	maxBatchRequests = 5
)

var errCancelled = errors.New("skills: invocation cancelled")

// Executor performs skill RPC calls with timeout, bounded retry,
// per-invocation cancellation, rate limiting, and external-content
// sanitization.
type Executor struct {
	registry  *Registry
	cancels   *Cancellation
	limiter   *ratelimit.Limiter
	sanitizer *sanitize.ContentSanitizer
	deferrer  ratelimit.Deferrer

	// newClient builds a fresh client per attempt so an upstream proxy
	// rotates IPs between retries.
	newClient func(timeout time.Duration) *http.Client

	// endpoint overrides the skill URL in tests.
	endpoint func(s *Skill) string
}

// NewExecutor wires the executor. Sanitizer and deferrer may be nil; external
// content then fails closed and rate-limit overflows sleep in place.
func NewExecutor(registry *Registry, cancels *Cancellation, limiter *ratelimit.Limiter, sanitizer *sanitize.ContentSanitizer, deferrer ratelimit.Deferrer) *Executor {
	return &Executor{
		registry:  registry,
		cancels:   cancels,
		limiter:   limiter,
		sanitizer: sanitizer,
		deferrer:  deferrer,
		newClient: func(timeout time.Duration) *http.Client {
			return &http.Client{Timeout: timeout}
		},
		endpoint: func(s *Skill) string { return s.Endpoint() },
	}
}

// Options tune one invocation; zero values mean the defaults.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Execute performs a single skill invocation.
func (e *Executor) Execute(ctx context.Context, inv models.SkillInvocation, opts Options) models.SkillResult {
	opts = opts.withDefaults()

	skill, ok := e.registry.Get(inv.AppID, inv.SkillID)
	if !ok {
		return failed("unknown_skill", fmt.Sprintf("skill %s-%s is not registered", inv.AppID, inv.SkillID))
	}

	if err := skill.ValidateArguments(inv.Arguments); err != nil {
		return failed("invalid_arguments", err.Error())
	}

	if e.limiter != nil {
		// Deferral args wrap the skill arguments and carry the routing
		// metadata, so a rescheduled task can re-run the invocation and the
		// completion event can find its chat.
		out, err := e.limiter.Wait(ctx, inv.AppID, inv.SkillID, "", e.deferrer, &ratelimit.Invocation{
			AppID:   inv.AppID,
			SkillID: inv.SkillID,
			Args: map[string]any{
				"arguments":   inv.Arguments,
				"_chat_id":    inv.ChatID,
				"_message_id": inv.MessageID,
				"_user_id":    inv.UserID,
			},
		})
		if err != nil {
			return failed("rate_limit_wait", err.Error())
		}
		if out.Kind == ratelimit.Scheduled {
			// Not an error: the invocation comes back as its own task.
			return models.SkillResult{
				Outcome: models.SkillOK,
				Data:    map[string]any{"status": "scheduled", "task_id": out.TaskID},
			}
		}
	}

	data, err := e.callWithRetry(ctx, skill, inv, opts)
	if err != nil {
		if errors.Is(err, errCancelled) {
			slog.Info("Skill invocation cancelled",
				"skill", skill.Identifier(), "skill_task_id", inv.SkillTaskID)
			return models.SkillResult{Outcome: models.SkillCancelled}
		}
		return failed("execution_failed", err.Error())
	}

	if skill.ExternalContent {
		data, err = e.sanitizeResponse(ctx, skill, inv, data)
		if err != nil {
			if errors.Is(err, sanitize.ErrBlocked) {
				return failed("sanitization_blocked", "external content flagged as injection risk")
			}
			return failed("sanitization_failed", err.Error())
		}
	}

	return models.SkillResult{Outcome: models.SkillOK, Data: data}
}

// ExecuteBatched normalizes batched-input shapes, truncates to the parallel
// cap, and issues a single call with the full requests array — the skill
// itself fans out internally.
func (e *Executor) ExecuteBatched(ctx context.Context, inv models.SkillInvocation, opts Options) []models.SkillResult {
	if requests, ok := batchedRequests(inv.Arguments); ok {
		if len(requests) > maxBatchRequests {
			slog.Warn("Batched skill call truncated",
				"skill", inv.AppID+"-"+inv.SkillID,
				"requested", len(requests), "cap", maxBatchRequests)
			requests = requests[:maxBatchRequests]
		}
		args := make(map[string]any, len(inv.Arguments))
		for k, v := range inv.Arguments {
			args[k] = v
		}
		args["requests"] = requests
		inv.Arguments = args
	}
	return []models.SkillResult{e.Execute(ctx, inv, opts)}
}

// batchedRequests detects the batched-input shape: an explicit `requests`
// list with more than one element, or the legacy form where any argument
// value is a list.
func batchedRequests(args map[string]any) ([]any, bool) {
	if reqs, ok := args["requests"].([]any); ok {
		if len(reqs) > 1 {
			return reqs, true
		}
		return nil, false
	}
	for key, v := range args {
		list, ok := v.([]any)
		if !ok || len(list) <= 1 {
			continue
		}
		// Legacy shape: lift each element into its own request object.
		requests := make([]any, 0, len(list))
		for _, item := range list {
			requests = append(requests, map[string]any{key: item})
		}
		return requests, true
	}
	return nil, false
}

func (e *Executor) callWithRetry(ctx context.Context, skill *Skill, inv models.SkillInvocation, opts Options) (map[string]any, error) {
	attempt := 0
	operation := func() (map[string]any, error) {
		attempt++
		if e.cancels != nil && e.cancels.IsCancelled(ctx, inv.SkillTaskID) {
			return nil, backoff.Permanent(errCancelled)
		}

		data, status, err := e.post(ctx, skill, inv, opts.Timeout)
		if err != nil {
			// Timeouts, connection errors, 5xx and unknown errors retry with
			// a fresh client.
			slog.Warn("Skill call attempt failed",
				"skill", skill.Identifier(), "attempt", attempt, "error", err)
			return nil, err
		}
		if status >= 400 && status < 500 {
			return nil, backoff.Permanent(fmt.Errorf("skill returned HTTP %d", status))
		}
		if status >= 500 {
			return nil, fmt.Errorf("skill returned HTTP %d", status)
		}

		// A cancellation that raced the call discards the result.
		if e.cancels != nil && e.cancels.IsCancelled(ctx, inv.SkillTaskID) {
			return nil, backoff.Permanent(errCancelled)
		}
		return data, nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), uint64(opts.MaxRetries)),
		ctx)
	return backoff.RetryWithData(operation, policy)
}

// post performs one HTTP attempt with a fresh client.
func (e *Executor) post(ctx context.Context, skill *Skill, inv models.SkillInvocation, timeout time.Duration) (map[string]any, int, error) {
	body := make(map[string]any, len(inv.Arguments)+3)
	for k, v := range inv.Arguments {
		body[k] = v
	}
	// Underscore-prefixed metadata keys are not skill arguments.
	body["_chat_id"] = inv.ChatID
	body["_message_id"] = inv.MessageID
	body["_user_id"] = inv.UserID

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal skill request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(skill), bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.newClient(timeout).Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, nil
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode skill response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// sanitizeResponse passes text-bearing result records through the content
// sanitizer before the response can reach a prompt.
func (e *Executor) sanitizeResponse(ctx context.Context, skill *Skill, inv models.SkillInvocation, data map[string]any) (map[string]any, error) {
	if e.sanitizer == nil {
		return nil, errors.New("external-content skill has no sanitizer configured")
	}

	rawResults, ok := data["results"].([]any)
	if !ok || len(rawResults) == 0 {
		return data, nil
	}

	records := make([]sanitize.Record, 0, len(rawResults))
	objects := make([]map[string]any, 0, len(rawResults))
	for _, raw := range rawResults {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("external content result is not an object")
		}
		objects = append(objects, obj)
		rec := sanitize.Record{}
		for k, v := range obj {
			if s, ok := v.(string); ok {
				rec[k] = s
			}
		}
		records = append(records, rec)
	}

	cleaned, err := e.sanitizer.SanitizeRecords(ctx, records, skill.Identifier(), inv.SkillTaskID)
	if err != nil {
		return nil, err
	}

	out := make([]any, len(objects))
	for i, obj := range objects {
		merged := make(map[string]any, len(obj))
		for k, v := range obj {
			if s, ok := cleaned[i][k]; ok {
				merged[k] = s
			} else {
				merged[k] = v
			}
		}
		out[i] = merged
	}

	result := make(map[string]any, len(data))
	for k, v := range data {
		result[k] = v
	}
	result["results"] = out
	return result, nil
}

func failed(kind, message string) models.SkillResult {
	return models.SkillResult{
		Outcome:      models.SkillFailed,
		ErrorKind:    kind,
		ErrorMessage: message,
	}
}
