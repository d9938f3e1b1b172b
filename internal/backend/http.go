package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/llm-mux/llm-mux/internal/workflow"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// httpBackend invokes a remote chat-completions-shaped HTTP endpoint.
type httpBackend struct {
	cfg        *Config
	client     *http.Client
	authorizer authorizer
	tracker    *RateTracker
}

// authorizer produces the bearer value for one request.
type authorizer interface {
	Token(ctx context.Context) (string, error)
}

func newHTTPBackend(cfg *Config) (*httpBackend, error) {
	auth, err := newAuthorizer(cfg)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
	}
	var tracker *RateTracker
	if cfg.RateLimitRedis != nil {
		tracker = NewRateTrackerWithRedis(cfg.RateLimitRedis, cfg.Name)
	} else {
		tracker = NewRateTracker()
	}
	return &httpBackend{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout()},
		authorizer: auth,
		tracker:    tracker,
	}, nil
}

func (b *httpBackend) Name() string { return b.cfg.Name }

func (b *httpBackend) Invoke(ctx context.Context, prompt string) (string, *workflow.StepError) {
	return withRetry(ctx, b.cfg, func(ctx context.Context) (string, *workflow.StepError) {
		return b.invokeOnce(ctx, prompt)
	})
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is intentionally forgiving: it accepts either a direct
// {"output": "..."} shape or an OpenAI-compatible choices[].message
// shape, since HTTP backends in this domain vary.
type chatResponse struct {
	Output  string `json:"output"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (r *chatResponse) text() string {
	if r.Output != "" {
		return r.Output
	}
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

func (b *httpBackend) invokeOnce(ctx context.Context, prompt string) (string, *workflow.StepError) {
	start := time.Now()

	if err := b.tracker.Wait(ctx); err != nil {
		return "", &workflow.StepError{
			Kind: workflow.ErrRateLimit, Message: "rate limit wait cancelled: " + err.Error(),
			StartedAt: start, FailedAt: time.Now(), Backend: b.cfg.Name,
		}
	}

	body, _ := json.Marshal(chatRequest{
		Model:    b.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", &workflow.StepError{
			Kind: workflow.ErrConfigError, Message: err.Error(),
			StartedAt: start, FailedAt: time.Now(), Backend: b.cfg.Name,
		}
	}
	req.Header.Set("Content-Type", "application/json")

	if token, terr := b.authorizer.Token(ctx); terr != nil {
		return "", &workflow.StepError{
			Kind: workflow.ErrAuthError, Message: terr.Error(),
			StartedAt: start, FailedAt: time.Now(), Backend: b.cfg.Name,
		}
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", &workflow.StepError{
			Kind: classifyTransportErr(err), Message: err.Error(), Prompt: prompt,
			StartedAt: start, FailedAt: time.Now(), Backend: b.cfg.Name,
		}
	}
	defer resp.Body.Close()

	b.updateRateState(resp.Header, resp.StatusCode)

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &workflow.StepError{
			Kind:       classifyHTTPStatus(resp.StatusCode),
			Message:    fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
			Prompt:     prompt,
			StartedAt:  start,
			FailedAt:   time.Now(),
			HTTPStatus: resp.StatusCode,
			Backend:    b.cfg.Name,
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &workflow.StepError{
			Kind:      workflow.ErrOutputParseFailed,
			Message:   fmt.Sprintf("parsing response body: %v", err),
			Prompt:    prompt,
			Stdout:    string(respBody),
			StartedAt: start,
			FailedAt:  time.Now(),
			Backend:   b.cfg.Name,
		}
	}

	return parsed.text(), nil
}

// updateRateState reads common rate-limit header shapes and feeds
// them into the tracker; absent headers leave prior state untouched.
// On a 429, Retry-After (seconds or an HTTP-date) takes precedence
// over X-RateLimit-Reset and forces remaining to 0, so the tracker's
// next Wait call blocks for exactly as long as the backend asked.
func (b *httpBackend) updateRateState(h http.Header, status int) {
	remaining, limit := -1, 0
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var reset time.Time
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			reset = time.Unix(n, 0)
		}
	}
	if status == http.StatusTooManyRequests {
		if retryAt, ok := parseRetryAfter(h.Get("Retry-After"), time.Now()); ok {
			reset = retryAt
			remaining = 0
		}
	}
	if remaining >= 0 || limit > 0 || !reset.IsZero() {
		b.tracker.Update(remaining, limit, reset)
	}
}

// parseRetryAfter accepts either form the HTTP spec allows: a delay in
// seconds, or an HTTP-date naming the moment to retry at.
func parseRetryAfter(v string, now time.Time) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// newAuthorizer selects the auth strategy from cfg.AuthMode, or infers
// it from cfg.APIKey's prefix when AuthMode is unset.
func newAuthorizer(cfg *Config) (authorizer, error) {
	mode := cfg.AuthMode
	apiKey := cfg.APIKey
	if mode == "" {
		switch {
		case strings.HasPrefix(apiKey, "oauth2:"):
			mode = AuthOAuth2ClientCreds
		case strings.HasPrefix(apiKey, "jwt:"):
			mode = AuthJWTHS256
		case apiKey == "":
			mode = AuthNone
		default:
			mode = AuthBearer
		}
	}

	switch mode {
	case AuthNone:
		return staticAuthorizer(""), nil
	case AuthBearer:
		return staticAuthorizer(apiKey), nil
	case AuthOAuth2ClientCreds:
		// The token URL itself contains ':' (scheme, port), so the two
		// env-var names are taken from the right.
		parts := strings.Split(strings.TrimPrefix(apiKey, "oauth2:"), ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("api_key must be oauth2:<token_url>:<client_id_env>:<client_secret_env>")
		}
		n := len(parts)
		cc := &clientcredentials.Config{
			ClientID:     os.Getenv(parts[n-2]),
			ClientSecret: os.Getenv(parts[n-1]),
			TokenURL:     strings.Join(parts[:n-2], ":"),
		}
		return &oauth2Authorizer{source: cc.TokenSource(context.Background())}, nil
	case AuthJWTHS256:
		secretEnv := strings.TrimPrefix(apiKey, "jwt:")
		return &jwtAuthorizer{secret: []byte(os.Getenv(secretEnv)), audience: cfg.Model}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

type staticAuthorizer string

func (a staticAuthorizer) Token(context.Context) (string, error) { return string(a), nil }

type oauth2Authorizer struct {
	source oauth2.TokenSource
}

func (a *oauth2Authorizer) Token(ctx context.Context) (string, error) {
	tok, err := a.source.Token()
	if err != nil {
		return "", fmt.Errorf("oauth2 client-credentials token: %w", err)
	}
	return tok.AccessToken, nil
}

type jwtAuthorizer struct {
	secret   []byte
	audience string
}

func (a *jwtAuthorizer) Token(context.Context) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "llm-mux",
		"aud": a.audience,
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing jwt assertion: %w", err)
	}
	return signed, nil
}
