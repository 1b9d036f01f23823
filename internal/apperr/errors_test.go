package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := WithCode(KindServer, "add item", 500)
	if !errors.Is(err, Server) {
		t.Fatal("expected errors.Is(err, Server)")
	}
	if errors.Is(err, Network) {
		t.Fatal("server error should not match Network")
	}
}

func TestWrappedCauseReachable(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("listclient: %w", Wrap(KindNetwork, "request failed", cause))
	if !errors.Is(err, Network) {
		t.Error("wrapped error should still match Network")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable via errors.Is")
	}
	if KindOf(err) != KindNetwork {
		t.Errorf("KindOf = %q", KindOf(err))
	}
}

func TestErrorString(t *testing.T) {
	err := WithCode(KindServer, "remove item", 404)
	s := err.Error()
	if !strings.Contains(s, "SERVER") || !strings.Contains(s, "404") {
		t.Errorf("unexpected message %q", s)
	}
	if CodeOf(err) != 404 {
		t.Errorf("CodeOf = %d", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != 0 {
		t.Error("plain error should have no code")
	}
}
