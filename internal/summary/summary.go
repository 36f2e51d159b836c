// Package summary renders the end-of-intake recap shown before confirmation.
package summary

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/DeviceIntake/internal/inventory"
)

type line struct {
	label string
	field string
}

// Render formats the collected data and the recommendation outcome.
// It is a pure function.
func Render(data map[string]any, rec inventory.Recommendation) string {
	var b strings.Builder
	b.WriteString("Here’s a quick summary of your request:\n")

	lines := []line{
		{"Platform", "platform"},
		{"Model", "device_model"},
		{"Quantity", "quantity"},
		{"Dates", "rental_dates"},
		{"Location", "location"},
	}
	if fmt.Sprint(data["location"]) == "Other" {
		lines = append(lines, line{"VPN OK", "vpn_ok"})
	}
	if s, _ := data["need_os_version"].(string); strings.EqualFold(s, "yes") {
		lines = append(lines, line{"OS", "os_version"})
	}
	lines = append(lines, line{"Accessories", "accessories"}, line{"Email", "contact_email"})

	for _, l := range lines {
		if v, ok := display(data[l.field]); ok {
			fmt.Fprintf(&b, "- %s: %s\n", l.label, v)
		}
	}
	b.WriteString("\n")

	if rec.Status == inventory.StatusMatch && len(rec.Matches) > 0 {
		b.WriteString("Available now:\n")
		writeDevices(&b, rec.Matches)
		b.WriteString("If one of these fits your needs, we’ll reserve it for you.\n")
		return b.String()
	}

	if rec.Reason != "" {
		b.WriteString(rec.Reason + "\n")
	}
	if len(rec.Alternatives) > 0 {
		b.WriteString("Currently available alternatives:\n")
		writeDevices(&b, rec.Alternatives)
	}
	b.WriteString("We can forward your request to our team to source the exact device/version.\n")
	b.WriteString("Would you like us to proceed with that?\n")
	return b.String()
}

// display skips nil, empty and "N/A" values.
func display(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		if x == "" || x == "N/A" {
			return "", false
		}
		return x, true
	case []string:
		if len(x) == 0 {
			return "", false
		}
		return strings.Join(x, ", "), true
	}
	return fmt.Sprint(v), true
}

func writeDevices(b *strings.Builder, devices []inventory.Device) {
	for i, d := range devices {
		name := d.Name
		if name == "" {
			name = "Device"
		}
		fmt.Fprintf(b, "  %d. %s", i+1, name)
		if len(d.Versions) > 0 {
			fmt.Fprintf(b, " — %s", strings.Join(d.Versions, ", "))
		}
		b.WriteString("\n")
	}
}
