package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/termhive/termhive/internal/auth"
	"github.com/termhive/termhive/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupAuthTest(t *testing.T) (*auth.Gateway, *database.User) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	database.DB = db
	if err := db.AutoMigrate(&database.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	user := &database.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return auth.NewGateway("test-secret", time.Hour), user
}

func protectedProbe(t *testing.T) (http.Handler, *bool) {
	reached := false
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		if GetUser(r) == nil {
			t.Error("no user in context inside protected handler")
		}
		w.WriteHeader(http.StatusOK)
	})
	return h, &reached
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	gateway, user := setupAuthTest(t)
	probe, reached := protectedProbe(t)

	token, err := gateway.IssueToken(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	RequireAuth(gateway)(probe).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !*reached {
		t.Error("protected handler never ran")
	}
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	gateway, _ := setupAuthTest(t)
	probe, reached := protectedProbe(t)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	RequireAuth(gateway)(probe).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if *reached {
		t.Error("protected handler ran without a token")
	}
}

func TestRequireAuthRejectsBadToken(t *testing.T) {
	gateway, _ := setupAuthTest(t)
	probe, reached := protectedProbe(t)

	for _, header := range []string{"Bearer garbage", "Basic abc", "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		RequireAuth(gateway)(probe).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
	if *reached {
		t.Error("protected handler ran with a bad token")
	}
}

func TestRequireAuthRejectsDeletedUser(t *testing.T) {
	gateway, user := setupAuthTest(t)
	probe, _ := protectedProbe(t)

	token, err := gateway.IssueToken(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := database.DB.Delete(&database.User{}, user.ID).Error; err != nil {
		t.Fatalf("delete user: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	RequireAuth(gateway)(probe).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for deleted user, got %d", rec.Code)
	}
}
