package newsapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketterminal/internal/fetcher"
)

func newsServer(t *testing.T, status int, body string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSearch(t *testing.T) {
	body := `{
		"status": "ok",
		"totalResults": 2,
		"articles": [
			{"source": {"id": null, "name": "InfoMoney"}, "title": "Ibovespa fecha em alta", "url": "https://infomoney.com.br/1", "publishedAt": "2024-01-15T18:30:00Z"},
			{"source": {"id": null, "name": "Valor"}, "title": "Dólar recua", "url": "https://valor.globo.com/2", "publishedAt": "2024-01-15T17:00:00Z"}
		]
	}`
	server := newsServer(t, http.StatusOK, body, func(r *http.Request) {
		if r.URL.Path != "/v2/everything" {
			t.Errorf("path = %q, want /v2/everything", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("X-Api-Key = %q, want secret", got)
		}
		q := r.URL.Query()
		expected := map[string]string{
			"q":        "Mercado OR Negócios",
			"language": "pt",
			"pageSize": "5",
			"sortBy":   "publishedAt",
			"domains":  "exame.com,infomoney.com.br,valor.globo.com,folha.uol.com.br,cnn.com,bloomberg.com",
		}
		for k, want := range expected {
			if got := q.Get(k); got != want {
				t.Errorf("%s = %q, want %q", k, got, want)
			}
		}
	})

	c := New("secret", server.URL, nil)
	h, err := c.Search(context.Background(), "Mercado OR Negócios", 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(h) != 2 {
		t.Fatalf("headlines = %d, want 2", len(h))
	}
	if h[0].Source != "InfoMoney" || h[0].Title != "Ibovespa fecha em alta" {
		t.Errorf("first headline = %+v", h[0])
	}
	if h[0].PublishedAt.IsZero() {
		t.Error("PublishedAt not decoded")
	}
}

func TestSearch_Options(t *testing.T) {
	server := newsServer(t, http.StatusOK, `{"status": "ok", "articles": []}`, func(r *http.Request) {
		q := r.URL.Query()
		if q.Get("language") != "en" {
			t.Errorf("language = %q, want en", q.Get("language"))
		}
		if q.Has("domains") {
			t.Errorf("domains = %q, want absent", q.Get("domains"))
		}
		if q.Get("pageSize") != "10" {
			t.Errorf("pageSize = %q, want 10", q.Get("pageSize"))
		}
	})

	c := New("k", server.URL, nil, WithLanguage("en"), WithDomains(nil))
	h, err := c.Search(context.Background(), "PETR4", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !h.Empty() {
		t.Errorf("Search() = %v, want empty", h)
	}
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType fetcher.ErrorType
	}{
		{"unauthorized", http.StatusUnauthorized, `{"status": "error", "code": "apiKeyInvalid", "message": "Your API key is invalid"}`, fetcher.ErrorTypeClient},
		{"too many requests", http.StatusTooManyRequests, `{"status": "error", "code": "rateLimited"}`, fetcher.ErrorTypeRateLimit},
		{"server", http.StatusInternalServerError, `{}`, fetcher.ErrorTypeServer},
		{"status not ok", http.StatusOK, `{"status": "error", "code": "unexpectedError", "message": "boom"}`, fetcher.ErrorTypeValidation},
		{"rate limited in body", http.StatusOK, `{"status": "error", "code": "rateLimited", "message": "slow down"}`, fetcher.ErrorTypeRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newsServer(t, tt.status, tt.body, nil)
			_, err := New("k", server.URL, nil).Search(context.Background(), "q", 5)

			var fe *fetcher.FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("Search() error = %v, want FetchError", err)
			}
			if fe.Type != tt.wantType {
				t.Errorf("type = %q, want %q", fe.Type, tt.wantType)
			}
		})
	}
}

func TestName(t *testing.T) {
	if got := New("k", "", nil).Name(); got != "newsapi" {
		t.Errorf("Name() = %q, want newsapi", got)
	}
}
