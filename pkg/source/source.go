// Package source loads statute text from local files or web pages.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/phuslu/log"
	"github.com/xhad/lexqa/internal/logging"
	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
	"golang.org/x/time/rate"
)

// MetaOrigin records the file path or URL a document was loaded from.
const MetaOrigin = "origin"

type LoaderConfig struct {
	// MaxDepth is how many links deep to follow from the first page, on the same host.
	// 0 loads only the given page.
	MaxDepth          int
	MaxPages          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	MaxBytes          int64
	UserAgent         string
	OnProgress        func(url string)
}

type Loader struct {
	config  LoaderConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

func NewWithConfig(config LoaderConfig, logger *log.Logger) *Loader {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth < 0 {
		config.MaxDepth = 0
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 200
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", ".txt", "/", ""}
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 20 << 20
	}
	if config.UserAgent == "" {
		config.UserAgent = "lexqa/1.0"
	}

	return &Loader{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		logger:  logging.OrNop(logger),
	}
}

// LoadFile reads a plain text or HTML file. A missing "source" in meta defaults
// to the file name without extension.
func (l *Loader) LoadFile(path string, meta models.Metadata) (models.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Document{}, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}
	defer f.Close()

	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		doc, err := goquery.NewDocumentFromReader(io.LimitReader(f, l.config.MaxBytes))
		if err != nil {
			return models.Document{}, fmt.Errorf("parse %s: %w", path, err)
		}
		text = ExtractText(doc)
	default:
		data, err := io.ReadAll(io.LimitReader(f, l.config.MaxBytes))
		if err != nil {
			return models.Document{}, fmt.Errorf("read %s: %w", path, err)
		}
		text = string(data)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return document(text, meta, base, path)
}

// LoadURL fetches a page, and linked same-host pages up to MaxDepth, and joins
// their text in visit order.
func (l *Loader) LoadURL(ctx context.Context, rawURL string, meta models.Metadata) (models.Document, error) {
	start, err := url.Parse(rawURL)
	if err != nil || start.Host == "" {
		return models.Document{}, fmt.Errorf("%w: invalid url %q", types.ErrInvalidRequest, rawURL)
	}

	type page struct {
		url   string
		depth int
	}
	queue := []page{{url: start.String()}}
	visited := map[string]bool{}
	var parts []string

	for len(queue) > 0 && len(visited) < l.config.MaxPages {
		p := queue[0]
		queue = queue[1:]
		if visited[p.url] || !l.shouldProcessURL(start.Host, p.url) {
			continue
		}
		visited[p.url] = true
		if l.config.OnProgress != nil {
			l.config.OnProgress(p.url)
		}

		doc, text, err := l.fetch(ctx, p.url)
		if err != nil {
			// Only the first page is required.
			if p.depth == 0 {
				return models.Document{}, err
			}
			l.logger.Warn().Err(err).Str("url", p.url).Msg("skipping page")
			continue
		}
		if text != "" {
			parts = append(parts, text)
		}

		if doc == nil || p.depth >= l.config.MaxDepth {
			continue
		}
		base, _ := url.Parse(p.url)
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			ref, err := url.Parse(href)
			if err != nil {
				return
			}
			next := base.ResolveReference(ref)
			next.Fragment = ""
			queue = append(queue, page{url: next.String(), depth: p.depth + 1})
		})
	}

	l.logger.Info().Str("url", rawURL).Int("pages", len(visited)).Msg("loaded document")
	return document(strings.Join(parts, "\n\n"), meta, start.Host+start.Path, rawURL)
}

func (l *Loader) fetch(ctx context.Context, pageURL string) (*goquery.Document, string, error) {
	// Apply rate limiting
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", l.config.UserAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, pageURL)
	}

	body := io.LimitReader(resp.Body, l.config.MaxBytes)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", pageURL, err)
		}
		return nil, string(data), nil
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return doc, ExtractText(doc), nil
}

func (l *Loader) shouldProcessURL(host, urlStr string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	// Check if URL is from the same host
	if parsedURL.Host != host || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return false
	}

	// Check extensions
	path := strings.ToLower(parsedURL.Path)
	validExt := false
	for _, allowedExt := range l.config.AllowedExtensions {
		if allowedExt == "" {
			validExt = validExt || filepath.Ext(path) == ""
			continue
		}
		if strings.HasSuffix(path, allowedExt) {
			validExt = true
			break
		}
	}
	if !validExt {
		return false
	}

	// Check ignore patterns
	for _, pattern := range l.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}

	return true
}

var (
	mainSelectors  = []string{"main", "article", ".content", "#content", ".act-text", "#act"}
	blockSelector  = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, dt, dd"
	noiseSelector  = "script, style, noscript, nav, header, footer, form, iframe"
	noisePhrases   = []string{"Cookie Policy", "Accept Cookies", "Privacy Policy", "Terms of Service"}
	errEmptySource = errors.New("document has no text")
)

// ExtractText returns the readable text of the page's main content area, one
// paragraph per block element, separated by blank lines.
func ExtractText(doc *goquery.Document) string {
	doc.Find(noiseSelector).Remove()

	root := doc.Find("body")
	for _, selector := range mainSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			root = selected.First()
			break
		}
	}

	var paragraphs []string
	root.Find(blockSelector).Each(func(_ int, sel *goquery.Selection) {
		// leaf blocks only, so nested lists are not repeated
		if sel.Find(blockSelector).Length() > 0 {
			return
		}
		if text := cleanContent(sel.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) == 0 {
		return cleanContent(root.Text())
	}
	return strings.Join(paragraphs, "\n\n")
}

func cleanContent(content string) string {
	// Remove extra whitespace
	content = strings.Join(strings.Fields(content), " ")

	for _, pattern := range noisePhrases {
		content = strings.ReplaceAll(content, pattern, "")
	}

	return strings.TrimSpace(content)
}

func document(text string, meta models.Metadata, defaultSource, origin string) (models.Document, error) {
	if strings.TrimSpace(text) == "" {
		return models.Document{}, fmt.Errorf("%w: %s: %v", types.ErrInvalidRequest, origin, errEmptySource)
	}

	md := meta.Clone()
	if md.Source() == "" {
		md[models.MetaSource] = defaultSource
	}
	md[MetaOrigin] = origin

	return models.Document{Text: text, Metadata: md}, nil
}
