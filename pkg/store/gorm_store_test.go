package store

import (
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"
)

func TestUserWriteErrorMapsDuplicateEmail(t *testing.T) {
	err := userWriteError(fmt.Errorf("create user: %w", gorm.ErrDuplicatedKey))
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected duplicate key to map to ErrEmailTaken, got %v", err)
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("the driver error should stay in the chain, got %v", err)
	}

	other := errors.New("connection reset")
	if got := userWriteError(other); got != other {
		t.Fatalf("unrelated errors must pass through, got %v", got)
	}
	if userWriteError(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
