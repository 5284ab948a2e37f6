package statuscheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestCheckRedisNilClientIsUnavailable(t *testing.T) {
	c := New(Options{})
	s := c.checkRedis(context.Background())
	if s.OK {
		t.Error("expected a nil Redis client to be reported unavailable")
	}
}

func TestCheckRedisReportsPingFailure(t *testing.T) {
	c := New(Options{Redis: fakePinger{err: errors.New("connection refused")}})
	s := c.checkRedis(context.Background())
	if s.OK {
		t.Error("expected a failed ping to be reported not OK")
	}
}

func TestCheckRedisReportsSuccess(t *testing.T) {
	c := New(Options{Redis: fakePinger{}})
	s := c.checkRedis(context.Background())
	if !s.OK || s.Message != "connected" {
		t.Errorf("expected OK/connected, got %+v", s)
	}
}

func TestCheckStorageWithoutBucketIsLocalFilesystem(t *testing.T) {
	c := New(Options{})
	s := c.checkStorage(context.Background())
	if !s.OK {
		t.Error("expected the local filesystem backend to always report healthy")
	}
}

func TestCheckReachableUnconfiguredURL(t *testing.T) {
	c := New(Options{})
	s := c.checkReachable(context.Background(), "")
	if s.OK || s.Message != "not configured" {
		t.Errorf("expected not-configured status, got %+v", s)
	}
}

func TestCheckReachableAgainstLiveServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{})
	s := c.checkReachable(context.Background(), srv.URL)
	if !s.OK {
		t.Errorf("expected a live server to be reachable, got %+v", s)
	}
}

func TestCheckReachableAgainstDeadServer(t *testing.T) {
	c := New(Options{})
	s := c.checkReachable(context.Background(), "http://127.0.0.1:0")
	if s.OK {
		t.Error("expected an unreachable address to be reported not OK")
	}
}

func TestCheckVisionRequiresAPIKey(t *testing.T) {
	c := New(Options{})
	if s := c.checkVision(); s.OK {
		t.Error("expected a missing API key to be reported not OK")
	}
	c = New(Options{VisionAPIKey: "sk-test"})
	if s := c.checkVision(); !s.OK {
		t.Error("expected a configured API key to be reported OK")
	}
}

func TestTrimErrorTruncatesLongMessages(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	got := trimError(errors.New(string(long)))
	if len(got) != 120 {
		t.Errorf("expected message truncated to 120 chars, got %d", len(got))
	}
}

func TestTrimErrorNilIsEmpty(t *testing.T) {
	if got := trimError(nil); got != "" {
		t.Errorf("expected empty string for nil error, got %q", got)
	}
}

func TestSummaryAggregatesAllSubsystems(t *testing.T) {
	c := New(Options{Redis: fakePinger{}, VisionAPIKey: "sk-test"})
	sum := c.Summary(context.Background())
	if !sum.Redis.OK {
		t.Error("expected redis OK")
	}
	if !sum.Storage.OK {
		t.Error("expected storage OK (local backend)")
	}
	if !sum.Vision.OK {
		t.Error("expected vision OK")
	}
	if sum.Conversion.OK {
		t.Error("expected conversion not-configured to be not OK")
	}
}
