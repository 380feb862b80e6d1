package telephony

// Instructions are the documents our callback handlers return to the
// gateway to drive a leg. The gateway executes them in order.

// Instruction is one step of an IVR response.
type Instruction struct {
	// Action is one of "say", "gather", "bridge", "hangup".
	Action string `json:"action"`
	// Text is spoken to the leg for "say".
	Text string `json:"text,omitempty"`
	// NumDigits is how many digits "gather" collects.
	NumDigits int `json:"num_digits,omitempty"`
	// TimeoutSec bounds the "gather" wait.
	TimeoutSec int `json:"timeout_sec,omitempty"`
	// ActionURL receives the gathered digits.
	ActionURL string `json:"action_url,omitempty"`
}

// Response is a full instruction document.
type Response struct {
	Instructions []Instruction `json:"instructions"`
}

// Say speaks text to the leg.
func Say(text string) Instruction {
	return Instruction{Action: "say", Text: text}
}

// Gather prompts for digits and posts them to actionURL.
func Gather(prompt string, numDigits, timeoutSec int, actionURL string) Instruction {
	return Instruction{
		Action:     "gather",
		Text:       prompt,
		NumDigits:  numDigits,
		TimeoutSec: timeoutSec,
		ActionURL:  actionURL,
	}
}

// Bridge connects the leg to the waiting caller. This is the
// empty/continue response after confirmation, not a hangup.
func Bridge() Instruction {
	return Instruction{Action: "bridge"}
}

// Hangup terminates the leg.
func Hangup() Instruction {
	return Instruction{Action: "hangup"}
}
