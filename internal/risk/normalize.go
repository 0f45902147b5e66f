package risk

import (
	"time"

	"github.com/sndlabs/snd/internal/validation"
)

// RawEvent is an inbound event as submitted by a client application.
type RawEvent struct {
	UserID    string `json:"user_id"`
	Device    string `json:"device"`
	City      string `json:"city"`
	Service   string `json:"service"`
	EventTime string `json:"event_time"`
	Region    string `json:"region"`
	OS        string `json:"os"`
	Browser   string `json:"browser"`
}

// InvalidEventError carries field-level validation failures. It matches
// ErrValidation under errors.Is.
type InvalidEventError struct {
	Fields validation.ValidationErrors
}

func (e *InvalidEventError) Error() string {
	return ErrValidation.Error() + ": " + e.Fields.Error()
}

func (e *InvalidEventError) Is(target error) bool { return target == ErrValidation }

// eventTimeLayouts are tried in order. Layouts without an offset are read in
// the normalizer's default location.
var eventTimeLayouts = []struct {
	layout  string
	hasZone bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04:05.999999999", false},
	{"2006-01-02 15:04:05.999999999Z07:00", true},
	{"2006-01-02 15:04:05.999999999", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02", false},
}

// Normalizer validates and canonicalizes raw events.
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer creates a normalizer that reads offset-less timestamps in
// loc. A nil loc means UTC.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// ParseEventTime parses an ISO-8601 timestamp.
func (n *Normalizer) ParseEventTime(s string) (time.Time, bool) {
	for _, l := range eventTimeLayouts {
		var (
			t   time.Time
			err error
		)
		if l.hasZone {
			t, err = time.Parse(l.layout, s)
		} else {
			t, err = time.ParseInLocation(l.layout, s, n.loc)
		}
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Normalize validates raw and returns the canonical Event. Identity fields
// are trimmed and lower-cased; an empty region is derived from the city.
func (n *Normalizer) Normalize(raw RawEvent) (Event, error) {
	ev := Event{
		UserID:  validation.Normalize(raw.UserID),
		Device:  validation.Normalize(raw.Device),
		City:    validation.Normalize(raw.City),
		Service: validation.Normalize(raw.Service),
		Region:  validation.SanitizeString(raw.Region, validation.MaxFieldLength),
		OS:      validation.Normalize(raw.OS),
		Browser: validation.Normalize(raw.Browser),
	}
	eventTime := validation.SanitizeString(raw.EventTime, 64)

	checks := []validation.Check{
		validation.Required("user_id", ev.UserID),
		validation.Required("device", ev.Device),
		validation.Required("city", ev.City),
		validation.Required("service", ev.Service),
		validation.Required("event_time", eventTime),
	}
	for _, f := range []struct{ name, value string }{
		{"user_id", ev.UserID},
		{"device", ev.Device},
		{"city", ev.City},
		{"service", ev.Service},
		{"os", ev.OS},
		{"browser", ev.Browser},
	} {
		checks = append(checks,
			validation.MaxLength(f.name, f.value, validation.MaxFieldLength),
			validation.Identifier(f.name, f.value),
		)
	}
	if eventTime != "" {
		t, ok := n.ParseEventTime(eventTime)
		checks = append(checks, validation.Custom("event_time", "must be an ISO-8601 timestamp", ok))
		ev.EventTime = t
	}

	if errs := validation.Validate(checks...); len(errs) > 0 {
		return Event{}, &InvalidEventError{Fields: errs}
	}

	if ev.Region == "" {
		ev.Region = RegionForCity(ev.City)
	}
	return ev, nil
}

// PayloadFor renders ev in its wire form.
func PayloadFor(ev Event) Payload {
	return Payload{
		UserID:    ev.UserID,
		Device:    ev.Device,
		City:      ev.City,
		Service:   ev.Service,
		EventTime: ev.EventTime.Format(time.RFC3339Nano),
		Region:    ev.Region,
		OS:        ev.OS,
		Browser:   ev.Browser,
	}
}
