package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := NewNormalizer(nil)
	ev, err := n.Normalize(RawEvent{
		UserID:    "  User_1 ",
		Device:    "iPhone",
		City:      " Riyadh",
		Service:   "VIEW_PROFILE",
		EventTime: "2025-03-12T09:15:00+03:00",
		OS:        "iOS",
	})
	require.NoError(t, err)

	assert.Equal(t, "user_1", ev.UserID)
	assert.Equal(t, "iphone", ev.Device)
	assert.Equal(t, "riyadh", ev.City)
	assert.Equal(t, "view_profile", ev.Service)
	assert.Equal(t, "ios", ev.OS)
	assert.Equal(t, "central", ev.Region)
	assert.Equal(t, 9, ev.EventTime.Hour())
	assert.True(t, ev.EventTime.Equal(time.Date(2025, 3, 12, 6, 15, 0, 0, time.UTC)))
}

func TestNormalize_ExplicitRegionKept(t *testing.T) {
	ev, err := NewNormalizer(nil).Normalize(RawEvent{
		UserID: "u", Device: "d", City: "jeddah", Service: "s",
		EventTime: "2025-03-12T09:15:00Z", Region: "Makkah Province",
	})
	require.NoError(t, err)
	assert.Equal(t, "Makkah Province", ev.Region)
}

func TestNormalize_NaiveTimestampUsesDefaultZone(t *testing.T) {
	loc := time.FixedZone("AST", 3*3600)
	n := NewNormalizer(loc)

	for _, s := range []string{"2025-03-12T09:15:00", "2025-03-12 09:15:00", "2025-03-12T09:15", "2025-03-12T09:15:00.123456"} {
		ev, err := n.Normalize(RawEvent{UserID: "u", Device: "d", City: "c", Service: "s", EventTime: s})
		require.NoError(t, err, s)
		assert.Equal(t, 9, ev.EventTime.Hour(), s)
		_, offset := ev.EventTime.Zone()
		assert.Equal(t, 3*3600, offset, s)
	}
}

func TestNormalize_CollectsValidationErrors(t *testing.T) {
	_, err := NewNormalizer(nil).Normalize(RawEvent{
		UserID:    " ",
		City:      "riyadh",
		Service:   "login",
		EventTime: "yesterday",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var invalid *InvalidEventError
	require.True(t, errors.As(err, &invalid))

	fields := map[string]bool{}
	for _, f := range invalid.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["user_id"])
	assert.True(t, fields["device"])
	assert.True(t, fields["event_time"])
	assert.False(t, fields["city"])
}

func TestNormalize_MissingEventTime(t *testing.T) {
	_, err := NewNormalizer(nil).Normalize(RawEvent{UserID: "u", Device: "d", City: "c", Service: "s"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalize_RejectsControlCharacters(t *testing.T) {
	_, err := NewNormalizer(nil).Normalize(RawEvent{
		UserID: "u", Device: "d\tx", City: "c", Service: "s", EventTime: "2025-03-12",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRegionForCity(t *testing.T) {
	assert.Equal(t, "central", RegionForCity("riyadh"))
	assert.Equal(t, "western", RegionForCity("جدة"))
	assert.Equal(t, "eastern", RegionForCity("dammam"))
	assert.Equal(t, "southern", RegionForCity("abha"))
	assert.Equal(t, "northern", RegionForCity("tabuk"))
	assert.Equal(t, "unknown", RegionForCity("cairo"))
}

func TestTimeWindow(t *testing.T) {
	assert.Equal(t, "night", TimeWindow(0))
	assert.Equal(t, "night", TimeWindow(5))
	assert.Equal(t, "morning", TimeWindow(6))
	assert.Equal(t, "noon", TimeWindow(12))
	assert.Equal(t, "evening", TimeWindow(17))
	assert.Equal(t, "evening", TimeWindow(23))
	assert.Equal(t, "unknown", TimeWindow(24))
}

func TestPayloadFor(t *testing.T) {
	ev := testEvent("u1", "iphone", "riyadh", "login", time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC))
	p := PayloadFor(ev)
	assert.Equal(t, "2025-03-12T09:00:00Z", p.EventTime)
	assert.Equal(t, "central", p.Region)
}
