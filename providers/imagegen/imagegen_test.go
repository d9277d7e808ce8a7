package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

func TestRewriteDeprecated(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://api-inference.huggingface.co/models/x/y", "https://router.huggingface.co/hf-inference/models/x/y"},
		{DefaultModelURL, DefaultModelURL},
		{"http://127.0.0.1:8080/models/x", "http://127.0.0.1:8080/models/x"},
	}
	for _, tc := range cases {
		if got := RewriteDeprecated(tc.in); got != tc.want {
			t.Errorf("RewriteDeprecated(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	p := New(Config{APIKey: "k", ModelURL: "https://api-inference.huggingface.co/models/m"})
	if p.cfg.ModelURL != "https://router.huggingface.co/hf-inference/models/m" {
		t.Fatalf("configured url not rewritten: %s", p.cfg.ModelURL)
	}
}

func TestDescriptorDisabledWithoutKey(t *testing.T) {
	d := New(Config{}).Descriptor()
	if d.Enabled || d.DisabledReason == "" {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	if !New(Config{APIKey: "k"}).Descriptor().Enabled {
		t.Fatalf("expected enabled descriptor")
	}
}

type seen struct {
	path, auth string
	body       map[string]any
}

func newInferenceServer(t *testing.T) (*httptest.Server, func() []seen) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []seen
	)
	png := []byte("\x89PNG fake image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		reqs = append(reqs, seen{r.URL.Path, r.Header.Get("Authorization"), body})
		mu.Unlock()

		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/models/final", http.StatusTemporaryRedirect)
		case "/loop":
			http.Redirect(w, r, "/loop", http.StatusFound)
		case "/models/final":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(png)
		case "/fail":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"prompt rejected"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []seen {
		mu.Lock()
		defer mu.Unlock()
		return append([]seen(nil), reqs...)
	}
}

func call(t *testing.T, p *Provider, args string) *mcp.CallToolResult {
	t.Helper()
	ops, err := p.Descriptor().Factory(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	res, err := ops.CallTool(t.Context(), &mcp.CallToolRequestReceived{Name: "generate-image", Arguments: json.RawMessage(args)})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestGenerateFollowsRedirectWithCredentials(t *testing.T) {
	srv, requests := newInferenceServer(t)
	p := New(Config{APIKey: "secret", ModelURL: srv.URL + "/start", HTTPClient: srv.Client()})

	res := call(t, p, `{"prompt":"a red fox","seed":7}`)
	if res.IsError {
		t.Fatalf("unexpected error %+v", res.Content)
	}
	if len(res.Content) != 2 || res.Content[0].Type != mcp.ContentTypeImage || res.Content[1].Type != mcp.ContentTypeText {
		t.Fatalf("expected image and text blocks, got %+v", res.Content)
	}
	data, _ := base64.StdEncoding.DecodeString(res.Content[0].Data)
	if !strings.HasPrefix(string(data), "\x89PNG") || res.Content[0].MimeType != "image/png" {
		t.Fatalf("unexpected image block %+v", res.Content[0])
	}
	if !strings.Contains(res.Content[1].Text, `"a red fox"`) {
		t.Fatalf("unexpected text %q", res.Content[1].Text)
	}

	reqs := requests()
	if len(reqs) != 2 || reqs[1].path != "/models/final" {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	for _, r := range reqs {
		if r.auth != "Bearer secret" || r.body["inputs"] != "a red fox" {
			t.Fatalf("request lost credentials or body: %+v", r)
		}
	}
	params, _ := reqs[1].body["parameters"].(map[string]any)
	if params["width"] != float64(1024) || params["height"] != float64(1024) || params["seed"] != float64(7) {
		t.Fatalf("unexpected parameters %v", params)
	}
}

func TestGenerateErrors(t *testing.T) {
	srv, _ := newInferenceServer(t)

	cases := []struct {
		name, path, args, want string
	}{
		{"upstream error", "/fail", `{"prompt":"x"}`, "HuggingFace API 400: prompt rejected"},
		{"redirect loop", "/loop", `{"prompt":"x"}`, "too many redirects"},
		{"empty prompt", "/models/final", `{"prompt":" "}`, "prompt is required"},
		{"width out of range", "/models/final", `{"prompt":"x","width":10}`, "width must be between"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(Config{APIKey: "k", ModelURL: srv.URL + tc.path, HTTPClient: srv.Client()})
			res := call(t, p, tc.args)
			if !res.IsError || !strings.Contains(res.Content[0].Text, tc.want) {
				t.Fatalf("expected error containing %q, got %+v", tc.want, res.Content)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	p := New(Config{APIKey: "k", DefaultWidth: 512})
	ops, _ := p.Descriptor().Factory(t.Context())
	res, err := ops.CallTool(t.Context(), &mcp.CallToolRequestReceived{Name: "image-gen-info"})
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]any
	_ = json.Unmarshal([]byte(res.Content[0].Text), &info)
	if info["modelUrl"] != DefaultModelURL || info["defaultWidth"] != float64(512) || info["defaultHeight"] != float64(1024) {
		t.Fatalf("unexpected info %v", info)
	}
}

type progressLog struct {
	mu    sync.Mutex
	steps [][2]float64
}

func (l *progressLog) Report(ctx context.Context, progress, total float64) error {
	l.mu.Lock()
	l.steps = append(l.steps, [2]float64{progress, total})
	l.mu.Unlock()
	return nil
}

func TestGenerateReportsProgress(t *testing.T) {
	srv, _ := newInferenceServer(t)
	p := New(Config{APIKey: "secret", ModelURL: srv.URL + "/models/final", HTTPClient: srv.Client()})
	ops, err := p.Descriptor().Factory(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	log := &progressLog{}
	ctx := mcpservice.WithProgressReporter(t.Context(), log)
	res, err := ops.CallTool(ctx, &mcp.CallToolRequestReceived{Name: "generate-image", Arguments: json.RawMessage(`{"prompt":"a lighthouse"}`)})
	if err != nil || res.IsError {
		t.Fatalf("generate: %v %+v", err, res)
	}
	if len(log.steps) != 2 || log.steps[0] != [2]float64{0, 1} || log.steps[1] != [2]float64{1, 1} {
		t.Fatalf("unexpected progress %v", log.steps)
	}

	log.steps = nil
	p = New(Config{APIKey: "secret", ModelURL: srv.URL + "/fail", HTTPClient: srv.Client()})
	ops, _ = p.Descriptor().Factory(t.Context())
	res, _ = ops.CallTool(ctx, &mcp.CallToolRequestReceived{Name: "generate-image", Arguments: json.RawMessage(`{"prompt":"a lighthouse"}`)})
	if !res.IsError || len(log.steps) != 1 {
		t.Fatalf("expected failure after the start step, got %v %+v", log.steps, res)
	}
}
