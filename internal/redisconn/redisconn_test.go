package redisconn

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestOpen(t *testing.T) {
	s := miniredis.RunT(t)

	client, err := Open(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	if _, err := Open(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestOpenFailsWhenUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	if _, err := Open(context.Background(), "redis://"+addr); err == nil {
		t.Fatal("expected connection error")
	}
}
