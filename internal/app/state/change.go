package state

import "github.com/PabloGalante/farum-chat/internal/domain"

type ChangeKind string

const (
	SessionCreated  ChangeKind = "session_created"
	SessionRenamed  ChangeKind = "session_renamed"
	SessionDeleted  ChangeKind = "session_deleted"
	MessageAppended ChangeKind = "message_appended"
	MessageUpdated  ChangeKind = "message_updated"
)

// Change describes one committed session mutation. Data fields are copies.
type Change struct {
	Kind      ChangeKind
	SessionID domain.SessionID

	Session *domain.ChatSession // SessionCreated, without messages
	Message *domain.Message     // MessageAppended, MessageUpdated
	Title   string              // SessionRenamed
}

// Observer is notified of changes in commit order while the store is locked.
// It must return quickly and must not call back into the Store.
type Observer func(Change)
