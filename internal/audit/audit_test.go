package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/model"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Dsn:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewLogger(NewAuditRepository(db))
}

func TestLogAndQuery(t *testing.T) {
	logger := newTestLogger(t)
	ctx := WithClientIP(context.Background(), "10.0.0.5")

	logger.LogUser(ctx, 1, ActionLoginSuccess, "", map[string]any{"method": "local"})
	logger.LogUser(ctx, 2, ActionLoginSuccess, "", nil)
	logger.Log(ctx, Event{Action: ActionLoginFailed, Details: map[string]any{"username": "ghost"}})

	entries, total, err := logger.Query(context.Background(), Filter{Action: ActionLoginSuccess})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("expected 2 login_success entries, got %d/%d", len(entries), total)
	}
	if entries[0].ID <= entries[1].ID {
		t.Fatalf("expected newest first")
	}
	if entries[0].IPAddress != "10.0.0.5" {
		t.Fatalf("client ip not recorded: %q", entries[0].IPAddress)
	}

	uid := uint(1)
	entries, _, _ = logger.Query(context.Background(), Filter{UserID: &uid})
	if len(entries) != 1 || entries[0].Details != `{"method":"local"}` {
		t.Fatalf("unexpected entries for user 1: %+v", entries)
	}

	entries, _, _ = logger.Query(context.Background(), Filter{Action: ActionLoginFailed})
	if len(entries) != 1 || entries[0].UserID != nil {
		t.Fatalf("anonymous event must have no user id: %+v", entries)
	}
}

func TestQueryTimeRangeAndPaging(t *testing.T) {
	logger := newTestLogger(t)
	for i := 0; i < 5; i++ {
		logger.LogUser(context.Background(), 1, ActionLogout, "", nil)
	}

	entries, total, err := logger.Query(context.Background(), Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 5 || len(entries) != 2 {
		t.Fatalf("expected page of 2 out of 5, got %d/%d", len(entries), total)
	}

	entries, _, _ = logger.Query(context.Background(), Filter{Since: time.Now().Add(time.Hour)})
	if len(entries) != 0 {
		t.Fatalf("expected no entries in the future")
	}
}

type failingRepository struct{}

func (failingRepository) Create(context.Context, *model.AuditLogEntry) error {
	return errors.New("disk full")
}

func (failingRepository) Find(context.Context, Filter) ([]model.AuditLogEntry, int64, error) {
	return nil, 0, nil
}

func TestLogNeverPanicsOnWriteFailure(t *testing.T) {
	logger := NewLogger(failingRepository{})
	logger.LogUser(context.Background(), 1, ActionLoginSuccess, "", nil)
}
