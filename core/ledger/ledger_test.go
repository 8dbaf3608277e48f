package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePayload() Payload {
	return Payload{
		ReuseID:               Bytes32ID("rec-1"),
		OriginalID:            Bytes32ID("track-1"),
		Title:                 "Night Drive",
		Creator:               "creator",
		Reuser:                "alice",
		ReusePercent:          17,
		ValuePaid:             170_000,
		OriginalFileHash:      "aa",
		SnippetHash:           "bb",
		Format:                "audio/mpeg",
		Genre:                 "synthwave",
		SnippetDurationMillis: 30_000,
	}
}

func TestTokenIsStablePerRecord(t *testing.T) {
	assert.Equal(t, Token("rec-1"), Token("rec-1"))
	assert.NotEqual(t, Token("rec-1"), Token("rec-2"))
	assert.Len(t, Token("rec-1"), 36)
}

func TestBytes32ID(t *testing.T) {
	id := Bytes32ID("")
	// Keccak-256 of the empty string.
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", id)
	assert.Len(t, Bytes32ID("track"), 66)
}

func TestPayloadDigestIsDeterministic(t *testing.T) {
	a, err := samplePayload().Digest()
	require.NoError(t, err)
	b, err := samplePayload().Digest()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := samplePayload()
	changed.ValuePaid++
	c, err := changed.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHTTPGateway_Register(t *testing.T) {
	var gotKey, gotAuth, gotDigest string
	var gotBody Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotDigest = r.Header.Get("X-Payload-Digest")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"entryId":"0xabc","txHash":"0xdef"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "secret")
	receipt, err := g.Register(context.Background(), Token("rec-1"), samplePayload())
	require.NoError(t, err)

	assert.Equal(t, Receipt{EntryID: "0xabc", TxHandle: "0xdef"}, receipt)
	assert.Equal(t, Token("rec-1"), gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	want, _ := samplePayload().Digest()
	assert.Equal(t, want, gotDigest)
	assert.Equal(t, samplePayload(), gotBody)
}

func TestHTTPGateway_ConflictReturnsExistingEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"entryId":"0xold","txHash":"0xtx"}`))
	}))
	defer srv.Close()

	receipt, err := NewHTTPGateway(srv.URL, "").Register(context.Background(), "tok", samplePayload())
	require.NoError(t, err)
	assert.Equal(t, "0xold", receipt.EntryID)
}

func TestHTTPGateway_Classification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := NewHTTPGateway(srv.URL, "").Register(context.Background(), "tok", samplePayload())
			require.Error(t, err)
			assert.Equal(t, tc.transient, errors.Is(err, ErrTransient))
			assert.Equal(t, !tc.transient, errors.Is(err, ErrRejected))
			assert.Equal(t, tc.transient, IsTransient(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPGateway_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	g := NewHTTPGateway(srv.URL, "", WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := g.Register(context.Background(), "tok", samplePayload())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
}

func TestHTTPGateway_MalformedReceiptIsTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(srv.URL, "").Register(context.Background(), "tok", samplePayload())
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMemoryLedger_IdempotentByToken(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()

	first, err := m.Register(ctx, "tok", samplePayload())
	require.NoError(t, err)
	second, err := m.Register(ctx, "tok", samplePayload())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, 1, m.Entries())

	p, ok := m.Lookup("tok")
	assert.True(t, ok)
	assert.Equal(t, 17, p.ReusePercent)
}

func TestMemoryLedger_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	m.FailNext(ErrTransient, ErrRejected)

	_, err := m.Register(ctx, "tok", samplePayload())
	assert.True(t, errors.Is(err, ErrTransient))
	_, err = m.Register(ctx, "tok", samplePayload())
	assert.True(t, errors.Is(err, ErrRejected))
	_, err = m.Register(ctx, "tok", samplePayload())
	assert.NoError(t, err)
	assert.Equal(t, 1, m.Entries())
}
