package queue

import (
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestIsBusyGroupErrNil(t *testing.T) {
	if isBusyGroupErr(nil) {
		t.Error("expected nil error to not be a busy-group error")
	}
}

func TestIsBusyGroupErrSentinel(t *testing.T) {
	if !isBusyGroupErr(redis.ErrBusyGroup) {
		t.Error("expected redis.ErrBusyGroup to be recognized")
	}
}

func TestIsBusyGroupErrMessageMatch(t *testing.T) {
	if !isBusyGroupErr(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Error("expected a BUSYGROUP message to be recognized")
	}
}

func TestIsBusyGroupErrUnrelated(t *testing.T) {
	if isBusyGroupErr(errors.New("connection refused")) {
		t.Error("expected an unrelated error to not be a busy-group error")
	}
}
