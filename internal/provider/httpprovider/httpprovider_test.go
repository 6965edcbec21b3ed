package httpprovider

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/sentinel/internal/provider/operr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func TestUpdate_ServesFromCacheWithinMaxAge(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := New("p1", Config{URL: srv.URL, MaxAge: time.Minute}, nopLogger())

	fetched, err := p.Update()
	require.NoError(t, err)
	assert.True(t, fetched)

	fetched, err = p.Update()
	require.NoError(t, err)
	assert.False(t, fetched, "second update within max_age should be served from cache")
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestUpdate_RefetchesAfterMaxAgeExpires(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := New("p1", Config{URL: srv.URL, MaxAge: time.Millisecond}, nopLogger())

	_, err := p.Update()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	fetched, err := p.Update()
	require.NoError(t, err)
	assert.True(t, fetched)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestUpdate_404IsFatalNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New("p1", Config{URL: srv.URL}, nopLogger())
	_, err := p.Update()
	require.Error(t, err)
	var opErr *operr.OperationalError
	require.ErrorAs(t, err, &opErr)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "a 404 must not be retried")
}

func TestUpdate_500RetriesThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	p := New("p1", Config{URL: srv.URL}, nopLogger())
	fetched, err := p.Update()
	require.NoError(t, err)
	assert.True(t, fetched)
	assert.Equal(t, []byte("recovered"), p.Data())
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestUpdate_ThirdConsecutive500IsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New("p1", Config{URL: srv.URL}, nopLogger())
	_, err := p.Update()
	require.Error(t, err)
	var opErr *operr.OperationalError
	require.ErrorAs(t, err, &opErr)
}

func TestUpdate_RunsInitRequestBeforeFirstFetch(t *testing.T) {
	var initHit, mainHit int32
	initSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&initHit, 1)
	}))
	defer initSrv.Close()
	mainSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&mainHit, 1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer mainSrv.Close()

	p := New("p1", Config{URL: mainSrv.URL, InitURL: initSrv.URL, InitMaxAge: time.Minute}, nopLogger())
	_, err := p.Update()
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&initHit))
	assert.EqualValues(t, 1, atomic.LoadInt32(&mainHit))

	_, err = p.Update()
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&initHit), "init request should not repeat within init_max_age")
}

func TestSource_ReturnsConfiguredURL(t *testing.T) {
	p := New("p1", Config{URL: "http://example.invalid/metrics"}, nopLogger())
	assert.Equal(t, "http://example.invalid/metrics", p.Source())
}
