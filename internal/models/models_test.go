package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRankOrdering(t *testing.T) {
	for i := 1; i < len(AllStatuses); i++ {
		assert.Less(t, AllStatuses[i-1].Rank(), AllStatuses[i].Rank(),
			"%s must rank below %s", AllStatuses[i-1], AllStatuses[i])
	}
	assert.Equal(t, -1, JobStatus("bogus").Rank())
}

func TestTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusCompleted || s == StatusCancelled
		assert.Equal(t, want, s.Terminal(), "Terminal(%s)", s)
	}
}

func TestServiceCategoryValid(t *testing.T) {
	assert.True(t, CategoryRide.Valid())
	assert.True(t, CategoryDelivery.Valid())
	assert.True(t, CategoryShopping.Valid())
	assert.False(t, ServiceCategory("teleport").Valid())
	assert.False(t, ServiceCategory("").Valid())
}

func TestJobJSONRoundTripDecodesDetails(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	j := Job{
		ID:           "job-1",
		TrackingCode: "SH-20260830-AAAA01",
		CustomerID:   "cust-1",
		Category:     CategoryShopping,
		Pickup:       Coord{Lat: 13.75, Lng: 100.50},
		Status:       StatusPending,
		Details:      &ShoppingDetails{StoreName: "Big C", ItemCount: 7},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	b, err := json.Marshal(j)
	require.NoError(t, err)

	var got Job
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, j.ID, got.ID)
	shop, ok := got.Details.(*ShoppingDetails)
	require.True(t, ok, "details must decode to the category's variant")
	assert.Equal(t, "Big C", shop.StoreName)
	assert.Equal(t, 7, shop.ItemCount)
}

func TestJobUnmarshalRejectsUnknownCategoryDetails(t *testing.T) {
	raw := `{"id":"x","category":"teleport","details":{"a":1},"pickup":{"lat":0,"lng":0}}`
	var j Job
	assert.Error(t, json.Unmarshal([]byte(raw), &j))
}

func TestJobUnmarshalWithoutDetails(t *testing.T) {
	raw := `{"id":"x","category":"ride","pickup":{"lat":13.7,"lng":100.5},"status":"pending"}`
	var j Job
	require.NoError(t, json.Unmarshal([]byte(raw), &j))
	assert.Nil(t, j.Details)
	assert.Equal(t, StatusPending, j.Status)
}

func TestDecodeDetailsPerCategory(t *testing.T) {
	d, err := DecodeDetails(CategoryRide, []byte(`{"passengers":3}`))
	require.NoError(t, err)
	assert.Equal(t, 3, d.(*RideDetails).Passengers)

	d, err = DecodeDetails(CategoryDelivery, []byte(`{"fragile":true}`))
	require.NoError(t, err)
	assert.True(t, d.(*DeliveryDetails).Fragile)

	d, err = DecodeDetails(CategoryRide, nil)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestNewTrackingCode(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cases := map[ServiceCategory]string{
		CategoryRide:     "RD-20260830-",
		CategoryDelivery: "DL-20260830-",
		CategoryShopping: "SH-20260830-",
	}
	for cat, prefix := range cases {
		code := NewTrackingCode(cat, at)
		assert.True(t, strings.HasPrefix(code, prefix), "code %q for %s", code, cat)
		assert.Len(t, code, len(prefix)+6)
	}

	a := NewTrackingCode(CategoryRide, at)
	b := NewTrackingCode(CategoryRide, at)
	assert.NotEqual(t, a, b, "codes must not collide for the same instant")
}

func TestNewJobIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewJobID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
