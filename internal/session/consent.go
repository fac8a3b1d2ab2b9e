package session

import "context"

// CameraPrompt is the question put to the user before a live session starts.
const CameraPrompt = "This app needs to access the camera. Do you allow it?"

// Consent is the synchronous yes/no gate consulted before going live.
type Consent interface {
	Confirm(ctx context.Context, prompt string) bool
}

// ConsentFunc adapts a function to Consent.
type ConsentFunc func(ctx context.Context, prompt string) bool

// Confirm calls f.
func (f ConsentFunc) Confirm(ctx context.Context, prompt string) bool {
	return f(ctx, prompt)
}

// StaticConsent answers every prompt with allowed.
func StaticConsent(allowed bool) Consent {
	return ConsentFunc(func(context.Context, string) bool { return allowed })
}
