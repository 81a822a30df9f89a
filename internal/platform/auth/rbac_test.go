package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newRoleContext(ctx context.Context) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want int
	}{
		{"matching role", WithUser(context.Background(), 7, []string{"editor"}), http.StatusOK},
		{"admin passes", WithUser(context.Background(), 1, []string{RoleAdmin}), http.StatusOK},
		{"wrong role", WithUser(context.Background(), 7, []string{"subscriber"}), http.StatusForbidden},
		{"no roles", WithUser(context.Background(), 7, nil), http.StatusForbidden},
		{"guest", context.Background(), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newRoleContext(tt.ctx)
			err := RequireRole("editor")(okHandler)(c)
			if tt.want == http.StatusOK {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				if rec.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", rec.Code)
				}
				return
			}
			expectStatus(t, err, tt.want)
		})
	}
}

func TestRequireAuthenticated(t *testing.T) {
	c, _ := newRoleContext(context.Background())
	expectStatus(t, RequireAuthenticated()(okHandler)(c), http.StatusUnauthorized)

	c, rec := newRoleContext(WithUser(context.Background(), 9, nil))
	if err := RequireAuthenticated()(okHandler)(c); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestIsAdmin(t *testing.T) {
	if IsAdmin(context.Background()) {
		t.Error("guest is not admin")
	}
	if !IsAdmin(WithUser(context.Background(), 1, []string{"editor", RoleAdmin})) {
		t.Error("expected admin")
	}
}
