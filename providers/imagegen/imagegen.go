// Package imagegen generates images from text prompts through a Hugging
// Face inference endpoint.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/httpretry"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

// Name is the registry name of the provider.
const Name = "image-gen"

const (
	DefaultModelURL = "https://router.huggingface.co/hf-inference/models/black-forest-labs/FLUX.1-schnell"
	DefaultTimeout  = 120 * time.Second

	deprecatedHost = "api-inference.huggingface.co"
	routerHost     = "router.huggingface.co"
	maxRedirects   = 2
	userAgent      = "mcp-hub/1.0"
)

// Config configures the provider.
type Config struct {
	APIKey        string `env:"HUGGINGFACE_API_KEY"`
	ModelURL      string `env:"HUGGINGFACE_MODEL_URL"`
	DefaultWidth  int    `env:"IMAGEGEN_DEFAULT_WIDTH,default=1024"`
	DefaultHeight int    `env:"IMAGEGEN_DEFAULT_HEIGHT,default=1024"`

	// HTTPClient performs inference calls. Its redirect policy is replaced:
	// redirects are followed by the provider so the API key survives.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Provider generates images.
type Provider struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New returns a Provider for cfg.
func New(cfg Config) *Provider {
	if cfg.ModelURL == "" {
		cfg.ModelURL = DefaultModelURL
	}
	cfg.ModelURL = RewriteDeprecated(cfg.ModelURL)
	if cfg.DefaultWidth == 0 {
		cfg.DefaultWidth = 1024
	}
	if cfg.DefaultHeight == 0 {
		cfg.DefaultHeight = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var hc http.Client
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	} else {
		hc = *httpretry.New(http.DefaultTransport, 0, 0).Client(DefaultTimeout)
	}
	if hc.Timeout == 0 {
		hc.Timeout = DefaultTimeout
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	return &Provider{cfg: cfg, http: &hc, log: cfg.Logger}
}

// Descriptor returns the registry entry. Without an API key the provider is
// registered disabled.
func (p *Provider) Descriptor() hub.Descriptor {
	d := hub.Descriptor{
		Name:        Name,
		Description: "AI image generation (FLUX via Hugging Face)",
		Version:     "1.0.0",
		Enabled:     p.cfg.APIKey != "",
		Shared:      true,
		Factory: func(ctx context.Context) (mcpservice.OperationSet, error) {
			return mcpservice.NewToolsContainer(p.tools()...), nil
		},
	}
	if !d.Enabled {
		d.DisabledReason = "HUGGINGFACE_API_KEY is not set"
	}
	return d
}

// RewriteDeprecated maps a URL on the retired inference host to the router.
func RewriteDeprecated(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() != deprecatedHost {
		return raw
	}
	u.Host = routerHost
	u.Path = "/hf-inference" + u.Path
	return u.String()
}

// Request is one generation request.
type Request struct {
	Prompt            string
	Width             int
	Height            int
	NumInferenceSteps int
	Seed              *int64
}

// Image is a generated image.
type Image struct {
	Data     []byte
	MimeType string
}

// Generate runs one inference call.
func (p *Provider) Generate(ctx context.Context, r Request) (Image, error) {
	start := time.Now()

	params := map[string]any{}
	if r.Width > 0 {
		params["width"] = r.Width
	}
	if r.Height > 0 {
		params["height"] = r.Height
	}
	if r.NumInferenceSteps > 0 {
		params["num_inference_steps"] = r.NumInferenceSteps
	}
	if r.Seed != nil {
		params["seed"] = *r.Seed
	}
	body := map[string]any{"inputs": r.Prompt}
	if len(params) > 0 {
		body["parameters"] = params
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Image{}, err
	}

	res, err := p.post(ctx, p.cfg.ModelURL, payload)
	if err != nil {
		return Image{}, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return Image{}, fmt.Errorf("read image: %w", err)
	}
	mediaType, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if mediaType == "application/json" {
			var e struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(data, &e) == nil && e.Error != "" {
				msg = e.Error
			}
		}
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return Image{}, fmt.Errorf("HuggingFace API %d: %s", res.StatusCode, msg)
	}
	if mediaType == "" {
		mediaType = "image/png"
	}

	p.log.InfoContext(ctx, "imagegen.generate.ok",
		slog.Int("bytes", len(data)),
		slog.String("mime", mediaType),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return Image{Data: data, MimeType: mediaType}, nil
}

// post sends payload to target and follows redirects itself, keeping the
// method, body and credentials.
func (p *Provider) post(ctx context.Context, target string, payload []byte) (*http.Response, error) {
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "*/*")
		req.Header.Set("User-Agent", userAgent)

		res, err := p.http.Do(req)
		if err != nil {
			return nil, err
		}
		if res.StatusCode < 300 || res.StatusCode > 399 {
			return res, nil
		}

		loc := res.Header.Get("Location")
		_ = res.Body.Close()
		if loc == "" {
			return nil, fmt.Errorf("HuggingFace API %d: redirect without location", res.StatusCode)
		}
		if hop >= maxRedirects {
			return nil, errors.New("HuggingFace API: too many redirects")
		}
		next, err := req.URL.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("HuggingFace API: bad redirect %q: %w", loc, err)
		}
		target = RewriteDeprecated(next.String())
		p.log.InfoContext(ctx, "imagegen.redirect", slog.String("location", target))
	}
}

type generateArgs struct {
	Prompt            string `json:"prompt" jsonschema:"description=Text description of the image to generate"`
	Width             int    `json:"width,omitempty" jsonschema:"description=Image width in pixels (default 1024),minimum=256,maximum=2048"`
	Height            int    `json:"height,omitempty" jsonschema:"description=Image height in pixels (default 1024),minimum=256,maximum=2048"`
	NumInferenceSteps int    `json:"num_inference_steps,omitempty" jsonschema:"description=Number of inference steps (higher is better quality but slower),minimum=1,maximum=50"`
	Seed              *int64 `json:"seed,omitempty" jsonschema:"description=Random seed for reproducible results"`
}

func (a generateArgs) validate() error {
	switch {
	case strings.TrimSpace(a.Prompt) == "":
		return errors.New("prompt is required")
	case a.Width != 0 && (a.Width < 256 || a.Width > 2048):
		return errors.New("width must be between 256 and 2048")
	case a.Height != 0 && (a.Height < 256 || a.Height > 2048):
		return errors.New("height must be between 256 and 2048")
	case a.NumInferenceSteps != 0 && (a.NumInferenceSteps < 1 || a.NumInferenceSteps > 50):
		return errors.New("num_inference_steps must be between 1 and 50")
	}
	return nil
}

func (p *Provider) tools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		mcpservice.NewTool("generate-image", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[generateArgs]) error {
			a := r.Args()
			if err := a.validate(); err != nil {
				return w.Fail("Image generation failed: %v", err)
			}
			req := Request{
				Prompt:            a.Prompt,
				Width:             a.Width,
				Height:            a.Height,
				NumInferenceSteps: a.NumInferenceSteps,
				Seed:              a.Seed,
			}
			if req.Width == 0 {
				req.Width = p.cfg.DefaultWidth
			}
			if req.Height == 0 {
				req.Height = p.cfg.DefaultHeight
			}
			// Generation can take minutes; report start and finish.
			_ = w.SendProgress(0, 1)
			img, err := p.Generate(ctx, req)
			if err != nil {
				return w.Fail("Image generation failed: %v", err)
			}
			_ = w.SendProgress(1, 1)
			return w.AppendBlocks(
				mcpservice.ImageBlock(img.Data, img.MimeType),
				mcp.ContentBlock{Type: mcp.ContentTypeText, Text: fmt.Sprintf("Image generated (%d bytes, %s)\nPrompt: %q", len(img.Data), img.MimeType, a.Prompt)},
			)
		}, mcpservice.WithToolDescription("Generate an image from a text prompt using AI (FLUX / Hugging Face). Returns the image for inline display.")),

		mcpservice.NewTool("image-gen-info", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
			return w.AppendJSON(map[string]any{
				"modelUrl":      p.cfg.ModelURL,
				"defaultWidth":  p.cfg.DefaultWidth,
				"defaultHeight": p.cfg.DefaultHeight,
			})
		}, mcpservice.WithToolDescription("Returns the current image generation configuration (model URL, default dimensions)"), mcpservice.WithToolReadOnly()),
	}
}
