package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestExtractDepartments(t *testing.T) {
	groups := []string{"/departments/sales", "/departments/support/leads", "/other/x", "/departments/", "developers"}

	got := extractDepartments(groups)
	want := []string{"sales", "support"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestIsDepartmentAllowed(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
		dept   string
		want   bool
	}{
		{"admin sees everything", Claims{Role: RoleAdmin}, "billing", true},
		{"manager sees own department", Claims{Role: RoleManager, Departments: []string{"sales"}}, "sales", true},
		{"manager does not see other departments", Claims{Role: RoleManager, Departments: []string{"sales"}}, "billing", false},
		{"manager sees global pool", Claims{Role: RoleManager}, "", true},
		{"agent does not see global pool", Claims{Role: RoleAgent, Departments: []string{"sales"}}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.claims.IsDepartmentAllowed(tt.dept); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestValidateTokenUnverified(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("VERIFY_JWT_SIGNATURE", "false")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email":        "m@example.com",
		"name":         "Manager",
		"sub":          "user-1",
		"exp":          float64(time.Now().Add(time.Hour).Unix()),
		"realm_access": map[string]interface{}{"roles": []interface{}{"agent", "manager"}},
		"groups":       []interface{}{"/departments/sales"},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	claims, err := validateToken(signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Role != RoleManager {
		t.Errorf("expected manager role, got %s", claims.Role)
	}
	if !reflect.DeepEqual(claims.Departments, []string{"sales"}) {
		t.Errorf("unexpected departments %v", claims.Departments)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	})
	signed, _ = expired.SignedString([]byte("test-secret"))
	if _, err := validateToken(signed); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestRequireManagerOrAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := RequireManagerOrAdmin(ok)

	tests := []struct {
		name   string
		claims *Claims
		want   int
	}{
		{"no user", nil, http.StatusUnauthorized},
		{"agent", &Claims{Role: RoleAgent}, http.StatusForbidden},
		{"manager", &Claims{Role: RoleManager}, http.StatusOK},
		{"admin", &Claims{Role: RoleAdmin}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/reset", nil)
			if tt.claims != nil {
				req = req.WithContext(context.WithValue(req.Context(), UserContextKey, tt.claims))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestMiddlewareSkipAuth(t *testing.T) {
	t.Setenv("SKIP_AUTH", "true")

	var got *Claims
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetUserFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/inquiries/queued", nil))

	if got == nil || !got.AllDepartments() {
		t.Fatalf("expected admin dev user, got %+v", got)
	}
}
