package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=50&offset=10"))

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(contextFor("/?limit=5000"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := FromContext(contextFor("/?offset=-5"))
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestParams_HasNextAndPrevious(t *testing.T) {
	tests := []struct {
		name     string
		p        Params
		total    int
		wantNext bool
		wantPrev bool
	}{
		{"first page", Params{Limit: 10, Offset: 0}, 25, true, false},
		{"middle page", Params{Limit: 10, Offset: 10}, 25, true, true},
		{"last page", Params{Limit: 10, Offset: 20}, 25, false, true},
		{"empty", Params{Limit: 10, Offset: 0}, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.HasNext(tt.total); got != tt.wantNext {
				t.Errorf("HasNext = %v, want %v", got, tt.wantNext)
			}
			if got := tt.p.HasPrevious(); got != tt.wantPrev {
				t.Errorf("HasPrevious = %v, want %v", got, tt.wantPrev)
			}
		})
	}
}

func TestParams_PreviousOffset(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if got := p.PreviousOffset(); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	p.Offset = 30
	if got := p.PreviousOffset(); got != 20 {
		t.Errorf("expected 20, got %d", got)
	}
}

func TestParams_Links_MiddlePage(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	links := p.Links("/api/v1/failed-imports", 35)

	if len(links) != 3 {
		t.Fatalf("expected 3 links, got %d", len(links))
	}
	want := map[string]string{
		"self":     "/api/v1/failed-imports?offset=10&limit=10",
		"next":     "/api/v1/failed-imports?offset=20&limit=10",
		"previous": "/api/v1/failed-imports?offset=0&limit=10",
	}
	for _, l := range links {
		if want[l.Relation] != l.URL {
			t.Errorf("%s link: expected %s, got %s", l.Relation, want[l.Relation], l.URL)
		}
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 0}, "/items")

	if resp.Total != 5 {
		t.Errorf("expected total 5, got %d", resp.Total)
	}
	if !resp.HasMore {
		t.Error("expected HasMore to be true")
	}
	if len(resp.Links) != 2 {
		t.Errorf("expected self and next links, got %d", len(resp.Links))
	}
}
