package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperjump/nuggetize/internal/models"
)

func serveHTML(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "test-agent/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractURL_containerPriority(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "article_wins",
			html: `<html><body><main>Main text</main><article>Article text<script>var x=1;</script></article></body></html>`,
			want: "Article text",
		},
		{
			name: "first_article_only",
			html: `<html><body><article>One</article><article>Two</article></body></html>`,
			want: "One",
		},
		{
			name: "main_before_content",
			html: `<html><body><div class="content">Content div</div><main>Main text</main></body></html>`,
			want: "Main text",
		},
		{
			name: "post_class",
			html: `<html><body><nav>Menu</nav><div class="post">Post body</div></body></html>`,
			want: "Post body",
		},
		{
			name: "body_fallback",
			html: `<html><head><style>p{color:red}</style></head><body>  Just body  <script>alert(1)</script></body></html>`,
			want: "Just body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serveHTML(t, http.StatusOK, tt.html)
			e := NewExtractor(WithUserAgent("test-agent/1.0"), WithHTTPClient(srv.Client()))
			got, err := e.Extract(context.Background(), srv.URL, models.KindURL)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractURL_non2xx(t *testing.T) {
	srv := serveHTML(t, http.StatusNotFound, "missing")
	e := NewExtractor(WithUserAgent("test-agent/1.0"))
	_, err := e.Extract(context.Background(), srv.URL, models.KindURL)

	var extErr *ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected *ExtractionError, got %v", err)
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *HTTPStatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusNotFound || statusErr.Status != "404 Not Found" {
		t.Errorf("unexpected status error: %+v", statusErr)
	}
}

func TestExtractURL_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	if _, err := NewExtractor().Extract(context.Background(), url, models.KindURL); err == nil {
		t.Error("expected error for closed server")
	}
}
