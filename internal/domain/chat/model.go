package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Participant roles. Every message is sent by one side of the thread
// and read by the other.
const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// Message types, derived from the attachment's MIME type when one is
// present.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeVoice    = "voice"
	TypeDocument = "document"
)

// Thread is one doctor-patient conversation. The last message and the
// per-side unread counters are denormalized here so the inbox view
// never scans the messages table.
type Thread struct {
	ID       uuid.UUID `db:"id" json:"-"`
	ThreadID string    `db:"thread_id" json:"thread_id"`

	DoctorID  string `db:"doctor_id" json:"doctor_id"`
	PatientID string `db:"patient_id" json:"patient_id"`

	LastMessage   string     `db:"last_message" json:"last_message,omitempty"`
	LastMessageID string     `db:"last_message_id" json:"last_message_id,omitempty"`
	LastMessageAt *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`

	UnreadDoctor  int `db:"unread_doctor" json:"-"`
	UnreadPatient int `db:"unread_patient" json:"-"`

	IsArchived bool `db:"is_archived" json:"is_archived"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ThreadView is a thread as seen by one side, with that side's unread
// counter.
type ThreadView struct {
	Thread
	UnreadCount int `json:"unread_count"`
}

// View selects the unread counter for the given role.
func (t *Thread) View(role string) *ThreadView {
	v := &ThreadView{Thread: *t, UnreadCount: t.UnreadDoctor}
	if role == RolePatient {
		v.UnreadCount = t.UnreadPatient
	}
	return v
}

// otherSide returns the role that reads messages sent by sender.
func otherSide(sender string) string {
	if sender == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// Message is a single chat entry. Attachments live in the blob store;
// the message carries the blob id plus denormalized display fields.
type Message struct {
	ID        uuid.UUID `db:"id" json:"-"`
	MessageID string    `db:"message_id" json:"message_id"`
	ThreadID  string    `db:"thread_id" json:"thread_id"`

	SenderID   string `db:"sender_id" json:"sender_id"`
	SenderRole string `db:"sender_role" json:"sender_role"`

	MessageType string `db:"message_type" json:"message_type"`
	Content     string `db:"content" json:"content"`

	AttachmentID   string `db:"attachment_id" json:"attachment_id,omitempty"`
	AttachmentName string `db:"attachment_name" json:"attachment_name,omitempty"`
	AttachmentType string `db:"attachment_type" json:"attachment_type,omitempty"`
	AttachmentSize int64  `db:"attachment_size" json:"attachment_size,omitempty"`

	ReadAt    *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// ThreadUnread is one row of the unread-count breakdown.
type ThreadUnread struct {
	ThreadID    string `json:"thread_id"`
	DoctorID    string `json:"doctor_id"`
	PatientID   string `json:"patient_id"`
	UnreadCount int    `json:"unread_count"`
}

func newThreadID() string {
	u := uuid.New()
	return fmt.Sprintf("THR%X", u[:8])
}

func newMessageID() string {
	u := uuid.New()
	return fmt.Sprintf("MSG%X", u[:8])
}

// messageType classifies a message by its attachment's MIME type.
func messageType(attachmentMIME string) string {
	switch {
	case attachmentMIME == "":
		return TypeText
	case strings.HasPrefix(attachmentMIME, "image/"):
		return TypeImage
	case strings.HasPrefix(attachmentMIME, "audio/"):
		return TypeVoice
	}
	return TypeDocument
}
