package xmlprovider

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/sentinel/internal/provider/httpprovider"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopLogger() zerolog.Logger { return zerolog.Nop() }

func newTestServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
}

func TestXpath_CoercesIntBeforeFloatBeforeString(t *testing.T) {
	srv := newTestServer(t, `<root><count>42</count><ratio>3.5</ratio><name>café</name></root>`)
	defer srv.Close()

	p := New("x1", Config{HTTP: httpprovider.Config{URL: srv.URL}}, nopLogger())

	v, err := p.Xpath("//count", false)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = p.Xpath("//ratio", false)
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)

	v, err = p.Xpath("//name", false)
	require.NoError(t, err)
	assert.Equal(t, "café", v)
}

func TestXpath_TransliteratesWhenConfigured(t *testing.T) {
	srv := newTestServer(t, `<root><name>café</name></root>`)
	defer srv.Close()

	p := New("x1", Config{HTTP: httpprovider.Config{URL: srv.URL}, StrDecodeUnicode: true}, nopLogger())

	v, err := p.Xpath("//name", false)
	require.NoError(t, err)
	assert.Equal(t, "cafe", v)
}

func TestXpath_MissingNodeIsAnError(t *testing.T) {
	srv := newTestServer(t, `<root><count>1</count></root>`)
	defer srv.Close()

	p := New("x1", Config{HTTP: httpprovider.Config{URL: srv.URL}}, nopLogger())
	_, err := p.Xpath("//missing", false)
	assert.Error(t, err)
}

func TestXpath_DiffTracksDeltaBetweenCalls(t *testing.T) {
	srv := newTestServer(t, `<root><count>10</count></root>`)
	defer srv.Close()

	p := New("x1", Config{HTTP: httpprovider.Config{URL: srv.URL}}, nopLogger())

	v, err := p.Xpath("//count", true)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v, "first observation has no prior value to diff against")
}
