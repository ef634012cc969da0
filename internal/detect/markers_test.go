package detect

import "testing"

func TestMatch(t *testing.T) {
	markers := DefaultMarkers()

	tests := []struct {
		name    string
		text    string
		markers []string
		want    string
	}{
		{
			name:    "moderation exact",
			text:    "Your request failed.\nContent moderated\n",
			markers: markers.Moderation,
			want:    "content moderated",
		},
		{
			name:    "case insensitive",
			text:    "CONTENT MODERATED",
			markers: markers.Moderation,
			want:    "content moderated",
		},
		{
			name:    "rate limit phrase",
			text:    "Slow down! You're creating videos too quickly.",
			markers: markers.RateLimit,
			want:    "you're creating videos too quickly",
		},
		{
			name:    "no match",
			text:    "Generating your video...",
			markers: markers.Moderation,
			want:    "",
		},
		{
			name:    "empty text",
			text:    "",
			markers: markers.RateLimit,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := match(tt.text, tt.markers); got != tt.want {
				t.Errorf("match(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseWaitSeconds(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "try again seconds", text: "Rate limited. Try again in 32s", want: 32},
		{name: "try again minutes", text: "Try again in 2 minutes", want: 120},
		{name: "wait seconds", text: "Please wait 30 seconds before retrying", want: 30},
		{name: "retry after", text: "retry after 15s", want: 15},
		{name: "retry in minutes", text: "retry in 3 min", want: 180},
		{name: "more videos", text: "You can create more videos in 5 minutes", want: 300},
		{name: "rate limit suffix", text: "rate limit: 90s", want: 90},
		{name: "no wait", text: "Content moderated", want: 0},
		{name: "empty", text: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseWaitSeconds(tt.text); got != tt.want {
				t.Errorf("ParseWaitSeconds(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}
