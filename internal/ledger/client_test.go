package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tonkeeper/tongo"
)

var (
	walletRaw = "0:" + strings.Repeat("a", 64)
	senderRaw = "0:" + strings.Repeat("b", 64)
)

const txBody = `{
  "ok": true,
  "result": [
    {
      "utime": 1700000100,
      "transaction_id": {"lt": "2", "hash": "hash-2"},
      "in_msg": {"source": "` + "0:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" + `", "destination": "0:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "value": "1245000000", "message": "order_42"}
    },
    {
      "utime": 1700000050,
      "transaction_id": {"lt": "1", "hash": "hash-1"},
      "in_msg": {"source": "", "destination": "", "value": "0", "message": ""}
    }
  ]
}`

func TestRecentTransfers(t *testing.T) {
	var gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(txBody))
	}))
	defer srv.Close()

	account := tongo.MustParseAccountID(walletRaw)
	c := NewClient(srv.URL, "secret", time.Second)

	transfers, err := c.RecentTransfers(context.Background(), account, 20)
	require.NoError(t, err)
	require.Len(t, transfers, 1)

	tr := transfers[0]
	assert.Equal(t, "hash-2", tr.Hash)
	assert.Equal(t, int64(1245000000), tr.Amount)
	assert.Equal(t, "order_42", tr.Comment)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), tr.Time)
	assert.True(t, SameAccount(account, tr.Destination))
	assert.False(t, SameAccount(account, senderRaw))

	assert.Contains(t, gotQuery, "limit=20")
	assert.Equal(t, "secret", gotKey)
}

func TestRecentTransfersUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{}`},
		{name: "not ok", status: http.StatusOK, body: `{"ok":false,"error":"rate limit"}`},
		{name: "garbage", status: http.StatusOK, body: `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", time.Second)
			_, err := c.RecentTransfers(context.Background(), tongo.MustParseAccountID(walletRaw), 10)
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}
