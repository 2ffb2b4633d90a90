package domain

import "time"

type SessionID string
type UserID string
type MessageID string

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// ModelVariant names the completion model used for primary turns.
type ModelVariant string

const (
	ModelFlash     ModelVariant = "gemini-2.5-flash"     // Default, balanced
	ModelPro       ModelVariant = "gemini-2.5-pro"       // Slower, deeper answers
	ModelFlashLite ModelVariant = "gemini-2.5-flash-lite" // Cheapest
)

// KnownModelVariants lists the variants a caller may select.
var KnownModelVariants = []ModelVariant{ModelFlash, ModelPro, ModelFlashLite}

// ParseModelVariant returns the variant and whether it is known.
func ParseModelVariant(s string) (ModelVariant, bool) {
	for _, v := range KnownModelVariants {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// VoiceState is the caller-visible state of voice capture.
type VoiceState string

const (
	VoiceIdle      VoiceState = "idle"
	VoiceListening VoiceState = "listening"
)

// DefaultSessionTitle is shown until title synthesis resolves a real one.
const DefaultSessionTitle = "New Chat"

type Timestamp = time.Time
