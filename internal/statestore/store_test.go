package statestore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/aurelabs/assay/internal/stage"
)

func sample(id string) stage.StatusUpdate {
	return stage.StatusUpdate{
		SessionID:   id,
		CurrentTask: stage.StageAcid,
		Detection:   stage.DetectionStatus{RubbingDetected: true},
	}
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	if _, ok := s.Load("s1"); ok {
		t.Fatalf("expected miss for unknown session")
	}
	s.Save("s1", sample("s1"))
	st, ok := s.Load("s1")
	if !ok || st.CurrentTask != stage.StageAcid {
		t.Fatalf("unexpected load: %+v ok=%v", st, ok)
	}
	s.Delete("s1")
	if _, ok := s.Load("s1"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.Save("s2", sample("s2"))
	st, ok := s.Load("s2")
	if !ok || !st.Detection.RubbingDetected {
		t.Fatalf("unexpected load: %+v ok=%v", st, ok)
	}
	s.Delete("s2")
	if _, ok := s.Load("s2"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := parseRedisURL("redis://user:pw@host:6379/2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Username != "user" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected opts: %+v", opts)
	}
	if _, err := parseRedisURL("ftp://host"); err == nil {
		t.Fatalf("expected error for bad scheme")
	}
	opts, err = parseRedisURL("localhost:6379")
	if err != nil || len(opts.Addrs) != 1 {
		t.Fatalf("plain addr: %+v err=%v", opts, err)
	}
}
