package service

import (
	"testing"
	"time"

	"github.com/fixly/dispatch/internal/model"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func TestVoiceGate(t *testing.T) {
	wrapped := model.VoicePreferences{
		Enabled:    true,
		QuietStart: "22:00",
		QuietEnd:   "07:00",
		MinUrgency: model.UrgencyNormal,
	}

	cases := []struct {
		name    string
		prefs   model.VoicePreferences
		urgency model.Urgency
		now     time.Time
		want    string
	}{
		{
			name:    "disabled drops everything",
			prefs:   model.VoicePreferences{Enabled: false},
			urgency: model.UrgencyUrgent,
			now:     at("12:00"),
			want:    "disabled",
		},
		{
			name:    "below urgency threshold",
			prefs:   model.VoicePreferences{Enabled: true, MinUrgency: model.UrgencyHigh},
			urgency: model.UrgencyNormal,
			now:     at("12:00"),
			want:    "urgency-below-threshold",
		},
		{
			name: "quiet hours wins over urgency threshold",
			prefs: model.VoicePreferences{
				Enabled: true, QuietStart: "22:00", QuietEnd: "07:00",
				MinUrgency: model.UrgencyHigh,
			},
			urgency: model.UrgencyNormal,
			now:     at("02:00"),
			want:    "quiet-hours",
		},
		{
			name:    "at urgency threshold passes",
			prefs:   model.VoicePreferences{Enabled: true, MinUrgency: model.UrgencyHigh},
			urgency: model.UrgencyHigh,
			now:     at("12:00"),
			want:    "",
		},
		{
			name:    "quiet hours before midnight",
			prefs:   wrapped,
			urgency: model.UrgencyNormal,
			now:     at("23:30"),
			want:    "quiet-hours",
		},
		{
			name:    "quiet hours after midnight",
			prefs:   wrapped,
			urgency: model.UrgencyNormal,
			now:     at("03:00"),
			want:    "quiet-hours",
		},
		{
			name:    "midday outside wrapped window",
			prefs:   wrapped,
			urgency: model.UrgencyNormal,
			now:     at("12:00"),
			want:    "",
		},
		{
			name:    "quiet end boundary is awake",
			prefs:   wrapped,
			urgency: model.UrgencyNormal,
			now:     at("07:00"),
			want:    "",
		},
		{
			name:    "urgent rings through quiet hours",
			prefs:   wrapped,
			urgency: model.UrgencyUrgent,
			now:     at("03:00"),
			want:    "",
		},
		{
			name: "non-wrapping window",
			prefs: model.VoicePreferences{
				Enabled: true, QuietStart: "13:00", QuietEnd: "15:00",
			},
			urgency: model.UrgencyNormal,
			now:     at("14:00"),
			want:    "quiet-hours",
		},
		{
			name:    "no quiet window configured",
			prefs:   model.VoicePreferences{Enabled: true},
			urgency: model.UrgencyLow,
			now:     at("03:00"),
			want:    "",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			call := model.CallRequest{ProviderID: "p1", Urgency: c.urgency}
			if got := voiceGate(call, c.prefs, c.now); got != c.want {
				t.Errorf("voiceGate = %q, want %q", got, c.want)
			}
		})
	}
}
