package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"github.com/lolepezy/rpki-core/internal/domain"
)

func TestResourceCacheRepository_LookupAndUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewResourceCacheRepository(setupTestDB(t))

	_, ok, err := repo.Lookup(ctx, "hosted-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if ok {
		t.Error("want cache miss")
	}

	if err := repo.Update(ctx, "hosted-1", domain.MustParseResourceSet("10.0.0.0/8")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := repo.Update(ctx, "hosted-1", domain.MustParseResourceSet("192.0.2.0/24, AS64496")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	resources, ok, err := repo.Lookup(ctx, "hosted-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !ok {
		t.Fatal("want cache hit")
	}
	if !resources.Equal(domain.MustParseResourceSet("192.0.2.0/24, AS64496")) {
		t.Errorf("want replaced resources, got %s", resources)
	}
}

func TestStore_NextID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewStore(db)

	for _, want := range []int64{101, 102, 103} {
		got, err := store.NextID(ctx)
		if err != nil {
			t.Fatalf("NextID failed: %v", err)
		}
		if got != want {
			t.Errorf("want %d, got %d", want, got)
		}
	}

	// シーケンス行が無い場合は1から払い出す
	if err := db.Exec("DELETE FROM sequences").Error; err != nil {
		t.Fatalf("failed to clear sequences: %v", err)
	}
	got, err := store.NextID(ctx)
	if err != nil {
		t.Fatalf("NextID failed: %v", err)
	}
	if got != 1 {
		t.Errorf("want 1, got %d", got)
	}
}

func TestSequenceAllocator_NextID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	allocator := NewSequenceAllocator(db)

	first, err := allocator.NextID(ctx)
	if err != nil {
		t.Fatalf("NextID failed: %v", err)
	}
	second, err := allocator.NextID(ctx)
	if err != nil {
		t.Fatalf("NextID failed: %v", err)
	}
	if first != 101 || second != 102 {
		t.Errorf("want 101 and 102, got %d and %d", first, second)
	}

	// 払い出しはコミット済みで、後続のトランザクションのロールバックでは戻らない
	err = NewTransactor(db).InTransaction(ctx, &domain.TransactionStatus{}, func(ctx context.Context, store domain.Store) error {
		return errors.New("command failed")
	})
	if err == nil {
		t.Fatal("want error, got nil")
	}
	var seq SequenceModel
	if err := db.Where("name = ?", sequenceName).First(&seq).Error; err != nil {
		t.Fatalf("failed to read sequence: %v", err)
	}
	if seq.Value != 102 {
		t.Errorf("want committed value 102, got %d", seq.Value)
	}
}

func TestTransactor_InTransaction(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	transactor := NewTransactor(db)

	t.Run("commit", func(t *testing.T) {
		err := transactor.InTransaction(ctx, &domain.TransactionStatus{}, func(ctx context.Context, store domain.Store) error {
			return store.ResourceCache().Update(ctx, "committed", domain.MustParseResourceSet("10.0.0.0/8"))
		})
		if err != nil {
			t.Fatalf("InTransaction failed: %v", err)
		}
		if _, ok, _ := NewResourceCacheRepository(db).Lookup(ctx, "committed"); !ok {
			t.Error("committed entry must be visible")
		}
	})

	t.Run("rollback on error", func(t *testing.T) {
		wantErr := errors.New("boom")
		err := transactor.InTransaction(ctx, &domain.TransactionStatus{}, func(ctx context.Context, store domain.Store) error {
			if _, err := store.NextID(ctx); err != nil {
				return err
			}
			if err := store.ResourceCache().Update(ctx, "failed", domain.MustParseResourceSet("10.0.0.0/8")); err != nil {
				return err
			}
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("want %v, got %v", wantErr, err)
		}
		if _, ok, _ := NewResourceCacheRepository(db).Lookup(ctx, "failed"); ok {
			t.Error("entry must be rolled back")
		}
		var seq SequenceModel
		db.Where("name = ?", sequenceName).First(&seq)
		if seq.Value != 100 {
			t.Errorf("sequence must be rolled back, got %d", seq.Value)
		}
	})

	t.Run("rollback only", func(t *testing.T) {
		status := &domain.TransactionStatus{}
		err := transactor.InTransaction(ctx, status, func(ctx context.Context, store domain.Store) error {
			status.SetRollbackOnly()
			return store.ResourceCache().Update(ctx, "discarded", domain.MustParseResourceSet("10.0.0.0/8"))
		})
		if err != nil {
			t.Fatalf("want nil, got %v", err)
		}
		if _, ok, _ := NewResourceCacheRepository(db).Lookup(ctx, "discarded"); ok {
			t.Error("entry must be rolled back")
		}
	})
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "deadlock", err: &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, want: domain.ErrPessimisticLock},
		{name: "lock wait timeout", err: fmt.Errorf("query: %w", &mysql.MySQLError{Number: 1205}), want: domain.ErrPessimisticLock},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: domain.ErrTransientDataAccess},
		{name: "sqlite locked", err: sqlite3.Error{Code: sqlite3.ErrLocked}, want: domain.ErrTransientDataAccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translateError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("want %v, got %v", tt.want, got)
			}
		})
	}

	duplicate := &mysql.MySQLError{Number: 1062}
	if got := translateError(duplicate); got != duplicate {
		t.Errorf("want error unchanged, got %v", got)
	}
	if translateError(nil) != nil {
		t.Error("want nil")
	}
}
