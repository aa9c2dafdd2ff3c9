package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/materna-health/materna/internal/platform/blobstore"
	"github.com/materna-health/materna/internal/platform/websocket"
	"github.com/materna-health/materna/pkg/pagination"
)

// maxContentLen caps the length of a single message body.
const maxContentLen = 5000

// Service implements chat business logic: thread lifecycle, message
// delivery with read receipts, and unread bookkeeping. New messages are
// broadcast on the websocket hub under the chat:<threadID> topic.
type Service struct {
	repo   Repository
	blobs  blobstore.BlobStore
	events websocket.EventPublisher
	log    zerolog.Logger
}

func NewService(repo Repository, blobs blobstore.BlobStore, events websocket.EventPublisher, log zerolog.Logger) *Service {
	return &Service{repo: repo, blobs: blobs, events: events, log: log}
}

// threadForCaller loads a thread and verifies the caller is one of its
// two participants.
func (s *Service) threadForCaller(ctx context.Context, threadID, callerID, callerRole string) (*Thread, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	switch callerRole {
	case RoleDoctor:
		if t.DoctorID != callerID {
			return nil, ErrAccessDenied
		}
	case RolePatient:
		if t.PatientID != callerID {
			return nil, ErrAccessDenied
		}
	default:
		return nil, ErrAccessDenied
	}
	return t, nil
}

// StartThreadInput names the two participants. The caller's own side is
// always taken from the authenticated identity.
type StartThreadInput struct {
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
}

// StartThread creates the thread for the (doctor, patient) pair, or
// returns the existing one. The returned flag reports whether a new
// thread was created.
func (s *Service) StartThread(ctx context.Context, callerID, callerRole string, in StartThreadInput) (*ThreadView, bool, error) {
	switch callerRole {
	case RoleDoctor:
		in.DoctorID = callerID
		if in.PatientID == "" {
			return nil, false, errors.New("patient_id is required")
		}
	case RolePatient:
		in.PatientID = callerID
		if in.DoctorID == "" {
			return nil, false, errors.New("doctor_id is required")
		}
	default:
		return nil, false, ErrAccessDenied
	}

	if existing, err := s.repo.FindThread(ctx, in.DoctorID, in.PatientID); err == nil {
		return existing.View(callerRole), false, nil
	} else if !errors.Is(err, ErrThreadNotFound) {
		return nil, false, err
	}

	t := &Thread{
		ThreadID:  newThreadID(),
		DoctorID:  in.DoctorID,
		PatientID: in.PatientID,
	}
	err := s.repo.CreateThread(ctx, t)
	if errors.Is(err, ErrThreadExists) {
		// Lost a create race; the other insert wins.
		existing, ferr := s.repo.FindThread(ctx, in.DoctorID, in.PatientID)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing.View(callerRole), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t.View(callerRole), true, nil
}

// ListThreads returns the caller's threads, newest activity first.
func (s *Service) ListThreads(ctx context.Context, callerID, callerRole string, includeArchived bool) ([]*ThreadView, error) {
	var (
		threads []*Thread
		err     error
	)
	switch callerRole {
	case RoleDoctor:
		threads, err = s.repo.ListThreadsForDoctor(ctx, callerID, includeArchived)
	case RolePatient:
		threads, err = s.repo.ListThreadsForPatient(ctx, callerID, includeArchived)
	default:
		return nil, ErrAccessDenied
	}
	if err != nil {
		return nil, err
	}

	views := make([]*ThreadView, 0, len(threads))
	for _, t := range threads {
		views = append(views, t.View(callerRole))
	}
	return views, nil
}

// GetThread returns a single thread the caller participates in.
func (s *Service) GetThread(ctx context.Context, threadID, callerID, callerRole string) (*ThreadView, error) {
	t, err := s.threadForCaller(ctx, threadID, callerID, callerRole)
	if err != nil {
		return nil, err
	}
	return t.View(callerRole), nil
}

type SendMessageInput struct {
	Content      string `json:"content"`
	AttachmentID string `json:"attachment_id"`
}

// SendMessage stores a message in the thread and broadcasts it to the
// thread's websocket topic. Attachment metadata is denormalized onto
// the message so clients never need a second lookup to render it.
func (s *Service) SendMessage(ctx context.Context, threadID, callerID, callerRole string, in SendMessageInput) (*Message, error) {
	t, err := s.threadForCaller(ctx, threadID, callerID, callerRole)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(in.Content)
	if content == "" && in.AttachmentID == "" {
		return nil, errors.New("message content or attachment_id is required")
	}
	if len(content) > maxContentLen {
		return nil, fmt.Errorf("message content exceeds %d characters", maxContentLen)
	}

	m := &Message{
		MessageID:   newMessageID(),
		ThreadID:    t.ThreadID,
		SenderID:    callerID,
		SenderRole:  callerRole,
		MessageType: TypeText,
		Content:     content,
	}

	if in.AttachmentID != "" {
		meta, err := s.blobs.GetMetadata(ctx, in.AttachmentID)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", in.AttachmentID, err)
		}
		m.AttachmentID = meta.ID
		m.AttachmentName = meta.FileName
		m.AttachmentType = meta.ContentType
		m.AttachmentSize = meta.Size
		m.MessageType = messageType(meta.ContentType)
	}

	if err := s.repo.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	s.publishMessage(ctx, m)
	return m, nil
}

func (s *Service) publishMessage(ctx context.Context, m *Message) {
	data, err := json.Marshal(m)
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", m.MessageID).Msg("chat: marshal message event")
		return
	}
	ev := websocket.Event{
		Type:      "message.created",
		Topic:     "chat:" + m.ThreadID,
		Entity:    "chat_message",
		EntityID:  m.MessageID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("thread_id", m.ThreadID).Msg("chat: publish message event")
	}
}

// Messages returns a page of the thread's messages, newest first, and
// marks everything the caller had not yet read as read.
func (s *Service) Messages(ctx context.Context, threadID, callerID, callerRole string, p pagination.Params) ([]*Message, int, error) {
	if _, err := s.threadForCaller(ctx, threadID, callerID, callerRole); err != nil {
		return nil, 0, err
	}

	msgs, total, err := s.repo.ListMessages(ctx, threadID, p)
	if err != nil {
		return nil, 0, err
	}

	// Opening the conversation counts as reading it.
	if _, err := s.repo.MarkThreadRead(ctx, threadID, callerRole, time.Now().UTC()); err != nil {
		s.log.Warn().Err(err).Str("thread_id", threadID).Msg("chat: mark thread read")
	}
	return msgs, total, nil
}

// RecentMessages returns the newest messages without touching read state.
// Consumers that quote the conversation, like the visit-summary builder,
// use this instead of Messages so they don't clear the caller's badges.
func (s *Service) RecentMessages(ctx context.Context, threadID, callerID, callerRole string, limit int) ([]*Message, error) {
	if _, err := s.threadForCaller(ctx, threadID, callerID, callerRole); err != nil {
		return nil, err
	}
	msgs, _, err := s.repo.ListMessages(ctx, threadID, pagination.Params{Limit: limit})
	return msgs, err
}

// MarkRead marks one message (when messageID is given) or the whole
// thread as read by the caller, returning how many messages changed.
func (s *Service) MarkRead(ctx context.Context, threadID, callerID, callerRole, messageID string) (int, error) {
	if _, err := s.threadForCaller(ctx, threadID, callerID, callerRole); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if messageID != "" {
		return s.repo.MarkMessageRead(ctx, threadID, messageID, now)
	}
	return s.repo.MarkThreadRead(ctx, threadID, callerRole, now)
}

// UnreadCount returns the caller's total unread messages plus a
// per-thread breakdown of the threads that have any.
func (s *Service) UnreadCount(ctx context.Context, callerID, callerRole string) (int, []*ThreadUnread, error) {
	total, err := s.repo.UnreadTotal(ctx, callerID, callerRole)
	if err != nil {
		return 0, nil, err
	}

	views, err := s.ListThreads(ctx, callerID, callerRole, false)
	if err != nil {
		return 0, nil, err
	}

	breakdown := make([]*ThreadUnread, 0)
	for _, v := range views {
		if v.UnreadCount == 0 {
			continue
		}
		breakdown = append(breakdown, &ThreadUnread{
			ThreadID:    v.ThreadID,
			DoctorID:    v.DoctorID,
			PatientID:   v.PatientID,
			UnreadCount: v.UnreadCount,
		})
	}
	return total, breakdown, nil
}

// Archive toggles the thread's archived flag for both participants.
func (s *Service) Archive(ctx context.Context, threadID, callerID, callerRole string, archived bool) error {
	if _, err := s.threadForCaller(ctx, threadID, callerID, callerRole); err != nil {
		return err
	}
	return s.repo.SetArchived(ctx, threadID, archived)
}
