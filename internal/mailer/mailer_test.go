package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prateekverma145/NGO-management-sub000/pkg/httpclient"
)

func TestLog_Send(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, tr.Send(t.Context(), "a@example.com", "件名", "本文"))
	assert.Contains(t, buf.String(), "a@example.com")
}

func TestHTTP_Send(t *testing.T) {
	t.Parallel()

	t.Run("リレーにJSONで送信できること", func(t *testing.T) {
		t.Parallel()

		var (
			got     Message
			gotPath string
			gotAuth string
		)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer ts.Close()

		tr := NewHTTP(httpclient.New(ts.URL, httpclient.WithBearerToken("relay-token")))
		require.NoError(t, tr.Send(t.Context(), "a@example.com", "明日の活動", "詳細"))

		assert.Equal(t, relayPath, gotPath)
		assert.Equal(t, "Bearer relay-token", gotAuth)
		assert.Equal(t, Message{To: "a@example.com", Subject: "明日の活動", Body: "詳細"}, got)
	})

	t.Run("リレーがエラーを返した場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		err := NewHTTP(httpclient.New(ts.URL)).Send(t.Context(), "a@example.com", "s", "b")
		var statusErr *httpclient.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	})
}

func TestHTTP_Ping(t *testing.T) {
	t.Parallel()

	t.Run("リレーが応答すれば成功すること", func(t *testing.T) {
		t.Parallel()

		var gotPath, gotMethod string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath, gotMethod = r.URL.Path, r.Method
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		require.NoError(t, NewHTTP(httpclient.New(ts.URL)).Ping(t.Context()))
		assert.Equal(t, relayHealthPath, gotPath)
		assert.Equal(t, http.MethodGet, gotMethod)
	})

	t.Run("リレーが異常を返した場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer ts.Close()

		var statusErr *httpclient.StatusError
		require.ErrorAs(t, NewHTTP(httpclient.New(ts.URL)).Ping(t.Context()), &statusErr)
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	})
}

type fakePublisher struct {
	key, value []byte
	err        error
}

func (p *fakePublisher) Publish(_ context.Context, key, value []byte) error {
	p.key, p.value = key, value
	return p.err
}

func TestBroker_Send(t *testing.T) {
	t.Parallel()

	p := &fakePublisher{}
	require.NoError(t, NewBroker(p).Send(t.Context(), "A@Example.com", "件名", "本文"))

	assert.Equal(t, "a@example.com", string(p.key))
	var msg Message
	require.NoError(t, json.Unmarshal(p.value, &msg))
	assert.Equal(t, "A@Example.com", msg.To)

	p.err = errors.New("broker down")
	assert.ErrorIs(t, NewBroker(p).Send(t.Context(), "a@example.com", "s", "b"), p.err)
}
