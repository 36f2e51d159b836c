package flow

import (
	"strings"

	"github.com/BTreeMap/DeviceIntake/internal/slots"
)

// Fixed replies.
const (
	ResetEmptyMessage   = "Session reset."
	ConfirmSuffix       = "\nPlease confirm (Yes/No)."
	ConfirmedMessage    = "Great, thanks! We will contact you shortly."
	DeclinedMessage     = "No problem. You can restart anytime."
	ConfirmRetryMessage = "Please answer Yes/No to confirm."
)

const (
	vpnPrompt       = "Your location isn't in our supported regions. Would a VPN endpoint in Poland/Germany/Ghana be acceptable? (Yes/No)"
	needOSPrompt    = "Do you require a specific OS version? (Yes/No)"
	osPromptIOS     = "Which OS version do you need? (e.g., iOS 17)"
	osPromptAndroid = "Which OS version do you need? (e.g., Android 14)"

	androidModelHint = "If you're not sure, here are popular Android models:\n" +
		"- Samsung Galaxy S23\n- Google Pixel 7\n- OnePlus 11\n" +
		"You can also say 'I don't know' and I'll proceed."
	iosModelHint = "If you're not sure, here are popular iPhone models:\n" +
		"- iPhone 13\n- iPhone 14\n- iPhone 15\n" +
		"You can also say 'I don't know' and I'll proceed."
	genericModelHint = "Popular models include:\n" +
		"- iPhone 14/15\n- Galaxy S23\n- Pixel 7\n" +
		"You can say 'I don't know' and I'll proceed."
)

// modelHint returns example models for the known platform.
func modelHint(platform string) string {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "android":
		return androidModelHint
	case "ios":
		return iosModelHint
	}
	return genericModelHint
}

// fieldPrompt returns the question for field. Gated fields have fixed text;
// the rest come from the registry, using the error text for a present but
// invalid value when useError is set.
func fieldPrompt(reg *slots.Registry, field, platform string, invalid, useError bool) string {
	switch field {
	case slots.FieldVPNOK:
		return vpnPrompt
	case slots.FieldNeedOSVersion:
		return needOSPrompt
	case slots.FieldOSVersion:
		if strings.EqualFold(strings.TrimSpace(platform), "ios") {
			return osPromptIOS
		}
		return osPromptAndroid
	}
	if invalid && useError {
		return reg.ErrorFor(field)
	}
	return reg.PromptFor(field)
}
