package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"procodus.dev/carewatch/internal/alertlog"
	"procodus.dev/carewatch/internal/geofence"
)

// MapLink returns a Google Maps search link for p.
func MapLink(p geofence.Point) string {
	return "https://www.google.com/maps/search/?api=1&query=" +
		strconv.FormatFloat(p.Latitude, 'f', 6, 64) + "," +
		strconv.FormatFloat(p.Longitude, 'f', 6, 64)
}

func headline(kind alertlog.Kind) string {
	switch kind {
	case alertlog.FallDetected:
		return "⚠ *DANGER: FALL DETECTED* ⚠"
	case alertlog.LeftSafeZone:
		return "⚠🗺 *DANGER: LEFT THE SAFE ZONE* ⚠🗺"
	case alertlog.ReturnedToSafeZone:
		return "✅ *Back inside the safe zone*"
	default:
		return "*Alert: " + escapeMarkdown(string(kind)) + "*"
	}
}

var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"[", `\[`,
	"`", "\\`",
)

// escapeMarkdown makes s render literally under Telegram's legacy Markdown
// parse mode, where an unpaired entity character rejects the whole message.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// FormatMessage renders the caregiver text for an alert in Telegram Markdown.
func FormatMessage(e alertlog.Event) string {
	var b strings.Builder

	b.WriteString(headline(e.Kind))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "📟 *Device:* %s\n", escapeMarkdown(e.DeviceID))
	fmt.Fprintf(&b, "📅 *Time:* %s\n", e.OccurredAt.UTC().Format(time.DateTime+" MST"))

	if e.Location != nil {
		fmt.Fprintf(&b, "📍 *Location:* %s\n", MapLink(*e.Location))
	} else {
		b.WriteString("📍 *Location:* unknown\n")
	}

	if e.Kind != alertlog.ReturnedToSafeZone {
		b.WriteString("\n_Check immediately!_")
	}

	return b.String()
}
