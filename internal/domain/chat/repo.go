package chat

import (
	"context"
	"time"

	"github.com/materna-health/materna/pkg/pagination"
)

// Repository is the persistence boundary for chat threads and messages.
type Repository interface {
	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	FindThread(ctx context.Context, doctorID, patientID string) (*Thread, error)
	ListThreadsForDoctor(ctx context.Context, doctorID string, includeArchived bool) ([]*Thread, error)
	ListThreadsForPatient(ctx context.Context, patientID string, includeArchived bool) ([]*Thread, error)
	SetArchived(ctx context.Context, threadID string, archived bool) error

	// CreateMessage inserts the message and, in the same transaction,
	// bumps the thread's last-message fields and the receiving side's
	// unread counter.
	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, threadID string, p pagination.Params) ([]*Message, int, error)

	// MarkMessageRead stamps one message; MarkThreadRead stamps every
	// message the reader has not sent and resets the reader's unread
	// counter. Both return how many messages changed.
	MarkMessageRead(ctx context.Context, threadID, messageID string, at time.Time) (int, error)
	MarkThreadRead(ctx context.Context, threadID, readerRole string, at time.Time) (int, error)

	UnreadTotal(ctx context.Context, userID, role string) (int, error)
}
