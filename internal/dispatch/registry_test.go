package dispatch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immerspwada/deliber-sub005/internal/models"
)

// dialSession spins up a ws server that registers the accepted connection
// under providerID and returns the client side.
func dialSession(t *testing.T, r *Registry, providerID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		require.NoError(t, err)
		r.Add(providerID, conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// The server handler runs async; wait for registration.
	deadline := time.After(2 * time.Second)
	for {
		if err := r.Push(providerID, Offer{}); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Drain the probe offer.
	var probe Offer
	require.NoError(t, client.ReadJSON(&probe))
	return client
}

func TestPushDeliversOffer(t *testing.T) {
	r := NewRegistry(nil)
	client := dialSession(t, r, "prov-1")

	offer := OfferFromJob(models.Job{
		ID:            "job-1",
		TrackingCode:  "RD-20260830-ABC123",
		Category:      models.CategoryRide,
		Pickup:        models.Coord{Lat: 13.75, Lng: 100.50},
		PickupAddress: "Siam Square",
		EstimatedFare: 120,
	})
	require.NoError(t, r.Push("prov-1", offer))

	var got Offer
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, models.CategoryRide, got.Category)
	assert.Equal(t, 120.0, got.EstimatedFare)
}

func TestPushUnknownProvider(t *testing.T) {
	r := NewRegistry(nil)
	assert.ErrorIs(t, r.Push("ghost", Offer{}), ErrNoSession)
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	r := NewRegistry(nil)
	a := dialSession(t, r, "prov-a")
	b := dialSession(t, r, "prov-b")

	r.Broadcast(Offer{JobID: "job-x"})

	var gotA, gotB Offer
	require.NoError(t, a.ReadJSON(&gotA))
	require.NoError(t, b.ReadJSON(&gotB))
	assert.Equal(t, "job-x", gotA.JobID)
	assert.Equal(t, "job-x", gotB.JobID)
}

func TestRemoveClosesSession(t *testing.T) {
	r := NewRegistry(nil)
	dialSession(t, r, "prov-1")

	r.Remove("prov-1")
	assert.ErrorIs(t, r.Push("prov-1", Offer{}), ErrNoSession)
	r.Remove("prov-1") // idempotent
}
