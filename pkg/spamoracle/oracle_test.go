package spamoracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Verdict) Verdict {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed without a verdict")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for verdict")
	}
	return Verdict{}
}

func TestFunc_DeliversOnceAndCloses(t *testing.T) {
	ch := Func(func(context.Context, string) Verdict { return Verdict{IsSpam: true} }).
		CheckSpamNumber(context.Background(), "+1")
	assert.True(t, recv(t, ch).IsSpam)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestNever(t *testing.T) {
	v := recv(t, Never.CheckSpamNumber(context.Background(), "+1"))
	assert.False(t, v.IsSpam)
	assert.NoError(t, v.Err)
}

func TestRiskLevel_AtLeast(t *testing.T) {
	assert.True(t, LevelCritical.AtLeast(LevelWarning))
	assert.True(t, LevelWarning.AtLeast(LevelWarning))
	assert.True(t, RiskLevel("critical").AtLeast(LevelCritical))
	assert.False(t, LevelWarning.AtLeast(LevelCritical))
	assert.False(t, LevelSafe.AtLeast(LevelWarning))
	assert.False(t, LevelCritical.AtLeast(LevelSafe))
	assert.False(t, LevelCritical.AtLeast(""))
}

func TestAny(t *testing.T) {
	spam := Func(func(context.Context, string) Verdict { return Verdict{IsSpam: true, Source: "spam"} })
	clean := Func(func(context.Context, string) Verdict { return Verdict{Source: "clean"} })
	broken := Func(func(context.Context, string) Verdict { return Verdict{Err: errors.New("down")} })
	slow := Func(func(ctx context.Context, _ string) Verdict {
		<-ctx.Done()
		return Verdict{Err: ctx.Err()}
	})

	t.Run("first spam wins", func(t *testing.T) {
		v := recv(t, Any(clean, slow, spam).CheckSpamNumber(context.Background(), "+1"))
		assert.True(t, v.IsSpam)
		assert.Equal(t, "spam", v.Source)
	})
	t.Run("all clean", func(t *testing.T) {
		v := recv(t, Any(clean, broken).CheckSpamNumber(context.Background(), "+1"))
		assert.False(t, v.IsSpam)
		assert.NoError(t, v.Err)
	})
	t.Run("all failed", func(t *testing.T) {
		v := recv(t, Any(broken, broken).CheckSpamNumber(context.Background(), "+1"))
		assert.False(t, v.IsSpam)
		assert.Error(t, v.Err)
	})
	t.Run("single passthrough", func(t *testing.T) {
		_, fanned := Any(clean).(anyOracle)
		assert.False(t, fanned)
	})
}

func TestRegistry(t *testing.T) {
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotPath = r.URL.EscapedPath()
		level := LevelSafe
		switch r.URL.Path {
		case "/v1/phone/+15550000001":
			level = LevelCritical
		case "/v1/phone/+15550000002":
			level = LevelWarning
		case "/v1/phone/+15550000500":
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(phoneScore{PhoneNumber: r.URL.Path, RiskLevel: level})
	}))
	defer srv.Close()

	r := NewRegistry(srv.URL+"/", "secret", LevelCritical, time.Second)

	v := recv(t, r.CheckSpamNumber(context.Background(), "+15550000001"))
	require.NoError(t, v.Err)
	assert.True(t, v.IsSpam)
	assert.Equal(t, "registry", v.Source)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "/v1/phone/+15550000001", gotPath)

	v = recv(t, r.CheckSpamNumber(context.Background(), "+15550000002"))
	require.NoError(t, v.Err)
	assert.False(t, v.IsSpam)

	v = recv(t, r.CheckSpamNumber(context.Background(), "+15550000500"))
	assert.Error(t, v.Err)
	assert.False(t, v.IsSpam)
}

func TestScyllaVerdict(t *testing.T) {
	v := scyllaVerdict("", gocql.ErrNotFound, LevelWarning)
	assert.NoError(t, v.Err)
	assert.False(t, v.IsSpam)

	v = scyllaVerdict(LevelWarning, nil, LevelWarning)
	assert.True(t, v.IsSpam)

	v = scyllaVerdict("", errors.New("timeout"), LevelWarning)
	assert.Error(t, v.Err)
	assert.False(t, v.IsSpam)
}

func TestCache(t *testing.T) {
	var calls int32
	var fail atomic.Bool
	backend := Func(func(_ context.Context, n string) Verdict {
		atomic.AddInt32(&calls, 1)
		if fail.Load() {
			return Verdict{Err: errors.New("down")}
		}
		return Verdict{IsSpam: n == "+1", Source: "backend"}
	})
	o := NewCache(backend, 16, time.Minute)
	c, ok := o.(*Cache)
	require.True(t, ok)

	assert.True(t, recv(t, o.CheckSpamNumber(context.Background(), "+1")).IsSpam)
	assert.True(t, recv(t, o.CheckSpamNumber(context.Background(), "+1")).IsSpam)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	fail.Store(true)
	assert.Error(t, recv(t, o.CheckSpamNumber(context.Background(), "+2")).Err)
	assert.Error(t, recv(t, o.CheckSpamNumber(context.Background(), "+2")).Err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	hits, misses := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 3, misses)

	_, cached := NewCache(backend, 0, time.Minute).(*Cache)
	assert.False(t, cached)
}
