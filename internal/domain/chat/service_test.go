package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/materna-health/materna/internal/platform/blobstore"
	"github.com/materna-health/materna/internal/platform/websocket"
	"github.com/materna-health/materna/pkg/pagination"
)

// mockRepo is an in-memory Repository with the same denormalization
// behavior as the Postgres implementation.
type mockRepo struct {
	threads  map[string]*Thread
	messages []*Message
	clock    time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		threads: make(map[string]*Thread),
		clock:   time.Now().UTC(),
	}
}

func (r *mockRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func copyThread(t *Thread) *Thread {
	c := *t
	return &c
}

func copyMessage(m *Message) *Message {
	c := *m
	return &c
}

func (r *mockRepo) CreateThread(_ context.Context, t *Thread) error {
	for _, existing := range r.threads {
		if existing.DoctorID == t.DoctorID && existing.PatientID == t.PatientID {
			return ErrThreadExists
		}
	}
	now := r.tick()
	t.CreatedAt = now
	t.UpdatedAt = now
	r.threads[t.ThreadID] = copyThread(t)
	return nil
}

func (r *mockRepo) GetThread(_ context.Context, threadID string) (*Thread, error) {
	t, ok := r.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return copyThread(t), nil
}

func (r *mockRepo) FindThread(_ context.Context, doctorID, patientID string) (*Thread, error) {
	for _, t := range r.threads {
		if t.DoctorID == doctorID && t.PatientID == patientID {
			return copyThread(t), nil
		}
	}
	return nil, ErrThreadNotFound
}

func (r *mockRepo) listThreads(match func(*Thread) bool, includeArchived bool) []*Thread {
	var out []*Thread
	for _, t := range r.threads {
		if !match(t) {
			continue
		}
		if !includeArchived && t.IsArchived {
			continue
		}
		out = append(out, copyThread(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (r *mockRepo) ListThreadsForDoctor(_ context.Context, doctorID string, includeArchived bool) ([]*Thread, error) {
	return r.listThreads(func(t *Thread) bool { return t.DoctorID == doctorID }, includeArchived), nil
}

func (r *mockRepo) ListThreadsForPatient(_ context.Context, patientID string, includeArchived bool) ([]*Thread, error) {
	return r.listThreads(func(t *Thread) bool { return t.PatientID == patientID }, includeArchived), nil
}

func (r *mockRepo) SetArchived(_ context.Context, threadID string, archived bool) error {
	t, ok := r.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	t.IsArchived = archived
	t.UpdatedAt = r.tick()
	return nil
}

func (r *mockRepo) CreateMessage(_ context.Context, m *Message) error {
	t, ok := r.threads[m.ThreadID]
	if !ok {
		return ErrThreadNotFound
	}
	m.CreatedAt = r.tick()
	r.messages = append(r.messages, copyMessage(m))

	at := m.CreatedAt
	t.LastMessage = m.Content
	t.LastMessageID = m.MessageID
	t.LastMessageAt = &at
	if m.SenderRole == RolePatient {
		t.UnreadDoctor++
	} else {
		t.UnreadPatient++
	}
	t.UpdatedAt = m.CreatedAt
	return nil
}

func (r *mockRepo) ListMessages(_ context.Context, threadID string, p pagination.Params) ([]*Message, int, error) {
	var matched []*Message
	for _, m := range r.messages {
		if m.ThreadID == threadID {
			matched = append(matched, copyMessage(m))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if p.Offset > total {
		return nil, total, nil
	}
	end := p.Offset + p.Limit
	if end > total {
		end = total
	}
	return matched[p.Offset:end], total, nil
}

func (r *mockRepo) MarkMessageRead(_ context.Context, threadID, messageID string, at time.Time) (int, error) {
	for _, m := range r.messages {
		if m.ThreadID != threadID || m.MessageID != messageID {
			continue
		}
		if m.ReadAt != nil {
			return 0, nil
		}
		stamp := at
		m.ReadAt = &stamp
		if t, ok := r.threads[threadID]; ok {
			if otherSide(m.SenderRole) == RolePatient {
				if t.UnreadPatient > 0 {
					t.UnreadPatient--
				}
			} else if t.UnreadDoctor > 0 {
				t.UnreadDoctor--
			}
		}
		return 1, nil
	}
	return 0, ErrMessageNotFound
}

func (r *mockRepo) MarkThreadRead(_ context.Context, threadID, readerRole string, at time.Time) (int, error) {
	count := 0
	for _, m := range r.messages {
		if m.ThreadID != threadID || m.SenderRole == readerRole || m.ReadAt != nil {
			continue
		}
		stamp := at
		m.ReadAt = &stamp
		count++
	}
	if t, ok := r.threads[threadID]; ok {
		if readerRole == RolePatient {
			t.UnreadPatient = 0
		} else {
			t.UnreadDoctor = 0
		}
	}
	return count, nil
}

func (r *mockRepo) UnreadTotal(_ context.Context, userID, role string) (int, error) {
	total := 0
	for _, t := range r.threads {
		if t.IsArchived {
			continue
		}
		if role == RolePatient && t.PatientID == userID {
			total += t.UnreadPatient
		}
		if role == RoleDoctor && t.DoctorID == userID {
			total += t.UnreadDoctor
		}
	}
	return total, nil
}

// capturePublisher records events instead of broadcasting them.
type capturePublisher struct {
	events []websocket.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.events = append(p.events, ev)
	return p.err
}

func newTestService() (*Service, *mockRepo, *blobstore.InMemoryBlobStore, *capturePublisher) {
	repo := newMockRepo()
	blobs := blobstore.NewInMemoryBlobStore()
	pub := &capturePublisher{}
	svc := NewService(repo, blobs, pub, zerolog.Nop())
	return svc, repo, blobs, pub
}

func startTestThread(t *testing.T, svc *Service) string {
	t.Helper()
	view, created, err := svc.StartThread(context.Background(), "DOC1", RoleDoctor, StartThreadInput{PatientID: "PAT1"})
	if err != nil {
		t.Fatalf("start thread: %v", err)
	}
	if !created {
		t.Fatal("expected a new thread")
	}
	return view.ThreadID
}

func TestStartThreadIsIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	view, created, err := svc.StartThread(ctx, "DOC1", RoleDoctor, StartThreadInput{PatientID: "PAT1"})
	if err != nil {
		t.Fatalf("start thread: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first start")
	}
	if !strings.HasPrefix(view.ThreadID, "THR") {
		t.Fatalf("expected THR-prefixed id, got %s", view.ThreadID)
	}
	if view.DoctorID != "DOC1" || view.PatientID != "PAT1" {
		t.Fatalf("unexpected participants: %s / %s", view.DoctorID, view.PatientID)
	}

	// The patient starting the same pair gets the existing thread back.
	again, created, err := svc.StartThread(ctx, "PAT1", RolePatient, StartThreadInput{DoctorID: "DOC1"})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if created {
		t.Fatal("expected created=false on second start")
	}
	if again.ThreadID != view.ThreadID {
		t.Fatalf("expected same thread, got %s and %s", view.ThreadID, again.ThreadID)
	}
}

func TestStartThreadValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	if _, _, err := svc.StartThread(ctx, "DOC1", RoleDoctor, StartThreadInput{}); err == nil || err.Error() != "patient_id is required" {
		t.Fatalf("expected patient_id error, got %v", err)
	}
	if _, _, err := svc.StartThread(ctx, "PAT1", RolePatient, StartThreadInput{}); err == nil || err.Error() != "doctor_id is required" {
		t.Fatalf("expected doctor_id error, got %v", err)
	}
	if _, _, err := svc.StartThread(ctx, "U1", "admin", StartThreadInput{}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for non-participant role, got %v", err)
	}
}

func TestSendMessageBumpsUnreadAndPublishes(t *testing.T) {
	svc, repo, _, pub := newTestService()
	ctx := context.Background()
	threadID := startTestThread(t, svc)

	m, err := svc.SendMessage(ctx, threadID, "DOC1", RoleDoctor, SendMessageInput{Content: "Hello, how are you feeling today?"})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if !strings.HasPrefix(m.MessageID, "MSG") {
		t.Fatalf("expected MSG-prefixed id, got %s", m.MessageID)
	}
	if m.MessageType != TypeText {
		t.Fatalf("expected text message, got %s", m.MessageType)
	}
	if m.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set by the repository")
	}

	th, err := repo.GetThread(ctx, threadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.UnreadPatient != 1 || th.UnreadDoctor != 0 {
		t.Fatalf("expected unread patient=1 doctor=0, got %d/%d", th.UnreadPatient, th.UnreadDoctor)
	}
	if th.LastMessageID != m.MessageID {
		t.Fatalf("expected last_message_id %s, got %s", m.MessageID, th.LastMessageID)
	}

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Topic != "chat:"+threadID {
		t.Fatalf("expected topic chat:%s, got %s", threadID, ev.Topic)
	}
	if ev.Type != "message.created" || ev.Entity != "chat_message" || ev.EntityID != m.MessageID {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	threadID := startTestThread(t, svc)

	if _, err := svc.SendMessage(ctx, threadID, "DOC1", RoleDoctor, SendMessageInput{Content: "   "}); err == nil ||
		err.Error() != "message content or attachment_id is required" {
		t.Fatalf("expected empty-content error, got %v", err)
	}

	long := strings.Repeat("a", maxContentLen+1)
	if _, err := svc.SendMessage(ctx, threadID, "DOC1", RoleDoctor, SendMessageInput{Content: long}); err == nil ||
		!strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected length error, got %v", err)
	}

	if _, err := svc.SendMessage(ctx, threadID, "DOC2", RoleDoctor, SendMessageInput{Content: "hi"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for foreign doctor, got %v", err)
	}
	if _, err := svc.SendMessage(ctx, "THRMISSING", "DOC1", RoleDoctor, SendMessageInput{Content: "hi"}); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestSendMessageWithAttachment(t *testing.T) {
	svc, _, blobs, _ := newTestService()
	ctx := context.Background()
	threadID := startTestThread(t, svc)

	cases := []struct {
		contentType string
		wantType    string
	}{
		{"image/png", TypeImage},
		{"audio/ogg", TypeVoice},
		{"application/pdf", TypeDocument},
	}

	for _, tc := range cases {
		meta, err := blobs.Upload(ctx, blobstore.BlobMetadata{
			FileName:    "scan-week-20.bin",
			ContentType: tc.contentType,
			ThreadID:    threadID,
			Category:    "chat-attachment",
		}, strings.NewReader("payload"))
		if err != nil {
			t.Fatalf("upload %s: %v", tc.contentType, err)
		}

		m, err := svc.SendMessage(ctx, threadID, "PAT1", RolePatient, SendMessageInput{AttachmentID: meta.ID})
		if err != nil {
			t.Fatalf("send with %s attachment: %v", tc.contentType, err)
		}
		if m.MessageType != tc.wantType {
			t.Fatalf("%s: expected message type %s, got %s", tc.contentType, tc.wantType, m.MessageType)
		}
		if m.AttachmentID != meta.ID || m.AttachmentName != "scan-week-20.bin" || m.AttachmentSize != int64(len("payload")) {
			t.Fatalf("attachment fields not denormalized: %+v", m)
		}
	}

	if _, err := svc.SendMessage(ctx, threadID, "PAT1", RolePatient, SendMessageInput{AttachmentID: "missing"}); err == nil ||
		!strings.Contains(err.Error(), "attachment") {
		t.Fatalf("expected attachment lookup error, got %v", err)
	}
}

func TestMessagesMarksThreadRead(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	threadID := startTestThread(t, svc)

	for _, content := range []string{"first", "second", "third"} {
		if _, err := svc.SendMessage(ctx, threadID, "DOC1", RoleDoctor, SendMessageInput{Content: content}); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}

	msgs, total, err := svc.Messages(ctx, threadID, "PAT1", RolePatient, pagination.Params{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if total != 3 || len(msgs) != 2 {
		t.Fatalf("expected total 3 page 2, got total %d page %d", total, len(msgs))
	}
	if msgs[0].Content != "third" || msgs[1].Content != "second" {
		t.Fatalf("expected newest first, got %s then %s", msgs[0].Content, msgs[1].Content)
	}

	// Opening the conversation clears the reader's unread counter.
	th, err := repo.GetThread(ctx, threadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.UnreadPatient != 0 {
		t.Fatalf("expected unread 0 after reading, got %d", th.UnreadPatient)
	}

	msgs, _, err = svc.Messages(ctx, threadID, "PAT1", RolePatient, pagination.Params{Limit: 10, Offset: 0})
	if err != nil {
		t.Fatalf("second list: %v", err)
	}
	for _, m := range msgs {
		if m.ReadAt == nil {
			t.Fatalf("expected read receipt on %s", m.MessageID)
		}
	}
}

func TestRecentMessagesLeavesReadStateAlone(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	threadID := startTestThread(t, svc)

	for _, content := range []string{"first", "second", "third"} {
		if _, err := svc.SendMessage(ctx, threadID, "DOC1", RoleDoctor, SendMessageInput{Content: content}); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}

	msgs, err := svc.RecentMessages(ctx, threadID, "PAT1", RolePatient, 2)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "third" {
		t.Fatalf("expected 2 newest messages, got %d starting with %q", len(msgs), msgs[0].Content)
	}

	th, err := repo.GetThread(ctx, threadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if th.UnreadPatient != 3 {
		t.Fatalf("expected unread counter untouched at 3, got %d", th.UnreadPatient)
	}

	if _, err := svc.RecentMessages(ctx, threadID, "DOC2", RoleDoctor, 2); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for foreign doctor, got %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	threadID := startTestThread(t, svc)

	m1, err := svc.SendMessage(ctx, threadID, "DOC1", RoleDoctor, SendMessageInput{Content: "one"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.SendMessage(ctx, threadID, "DOC1", RoleDoctor, SendMessageInput{Content: "two"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	count, err := svc.MarkRead(ctx, threadID, "PAT1", RolePatient, m1.MessageID)
	if err != nil {
		t.Fatalf("mark one read: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 marked, got %d", count)
	}
	th, _ := repo.GetThread(ctx, threadID)
	if th.UnreadPatient != 1 {
		t.Fatalf("expected unread 1 after single receipt, got %d", th.UnreadPatient)
	}

	// Re-marking the same message changes nothing.
	count, err = svc.MarkRead(ctx, threadID, "PAT1", RolePatient, m1.MessageID)
	if err != nil || count != 0 {
		t.Fatalf("expected 0 on repeat, got %d (%v)", count, err)
	}

	if _, err := svc.MarkRead(ctx, threadID, "PAT1", RolePatient, "MSGMISSING"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}

	count, err = svc.MarkRead(ctx, threadID, "PAT1", RolePatient, "")
	if err != nil {
		t.Fatalf("mark thread read: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining message marked, got %d", count)
	}
	th, _ = repo.GetThread(ctx, threadID)
	if th.UnreadPatient != 0 {
		t.Fatalf("expected unread 0 after thread receipt, got %d", th.UnreadPatient)
	}
}

func TestUnreadCountBreakdown(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	t1, _, err := svc.StartThread(ctx, "DOC1", RoleDoctor, StartThreadInput{PatientID: "PAT1"})
	if err != nil {
		t.Fatalf("start t1: %v", err)
	}
	t2, _, err := svc.StartThread(ctx, "DOC2", RoleDoctor, StartThreadInput{PatientID: "PAT1"})
	if err != nil {
		t.Fatalf("start t2: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.SendMessage(ctx, t1.ThreadID, "DOC1", RoleDoctor, SendMessageInput{Content: "checkup reminder"}); err != nil {
			t.Fatalf("send t1: %v", err)
		}
	}
	if _, err := svc.SendMessage(ctx, t2.ThreadID, "DOC2", RoleDoctor, SendMessageInput{Content: "lab results ready"}); err != nil {
		t.Fatalf("send t2: %v", err)
	}

	total, breakdown, err := svc.UnreadCount(ctx, "PAT1", RolePatient)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(breakdown) != 2 {
		t.Fatalf("expected 2 threads in breakdown, got %d", len(breakdown))
	}

	byThread := make(map[string]int, len(breakdown))
	for _, b := range breakdown {
		byThread[b.ThreadID] = b.UnreadCount
	}
	if byThread[t1.ThreadID] != 2 || byThread[t2.ThreadID] != 1 {
		t.Fatalf("unexpected breakdown: %v", byThread)
	}

	// Archived threads drop out of the unread view.
	if err := svc.Archive(ctx, t2.ThreadID, "PAT1", RolePatient, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	total, breakdown, err = svc.UnreadCount(ctx, "PAT1", RolePatient)
	if err != nil {
		t.Fatalf("unread count after archive: %v", err)
	}
	if total != 2 || len(breakdown) != 1 {
		t.Fatalf("expected total 2 with 1 thread, got %d with %d", total, len(breakdown))
	}

	// The sender has nothing unread.
	total, breakdown, err = svc.UnreadCount(ctx, "DOC1", RoleDoctor)
	if err != nil {
		t.Fatalf("doctor unread count: %v", err)
	}
	if total != 0 || len(breakdown) != 0 {
		t.Fatalf("expected doctor total 0, got %d with %d threads", total, len(breakdown))
	}
}

func TestArchiveToggle(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	threadID := startTestThread(t, svc)

	if err := svc.Archive(ctx, threadID, "DOC1", RoleDoctor, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	views, err := svc.ListThreads(ctx, "DOC1", RoleDoctor, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("expected archived thread hidden, got %d", len(views))
	}

	views, err = svc.ListThreads(ctx, "DOC1", RoleDoctor, true)
	if err != nil {
		t.Fatalf("list with archived: %v", err)
	}
	if len(views) != 1 || !views[0].IsArchived {
		t.Fatalf("expected 1 archived thread, got %+v", views)
	}

	if err := svc.Archive(ctx, threadID, "DOC1", RoleDoctor, false); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	views, err = svc.ListThreads(ctx, "DOC1", RoleDoctor, false)
	if err != nil {
		t.Fatalf("list after unarchive: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected thread visible again, got %d", len(views))
	}

	if err := svc.Archive(ctx, threadID, "PAT9", RolePatient, true); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for outsider, got %v", err)
	}
}

func TestListThreadsOrdering(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	t1, _, err := svc.StartThread(ctx, "DOC1", RoleDoctor, StartThreadInput{PatientID: "PAT1"})
	if err != nil {
		t.Fatalf("start t1: %v", err)
	}
	t2, _, err := svc.StartThread(ctx, "DOC1", RoleDoctor, StartThreadInput{PatientID: "PAT2"})
	if err != nil {
		t.Fatalf("start t2: %v", err)
	}

	// Activity in the older thread moves it back to the top.
	if _, err := svc.SendMessage(ctx, t1.ThreadID, "DOC1", RoleDoctor, SendMessageInput{Content: "bump"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	views, err := svc.ListThreads(ctx, "DOC1", RoleDoctor, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(views))
	}
	if views[0].ThreadID != t1.ThreadID || views[1].ThreadID != t2.ThreadID {
		t.Fatalf("expected most recent activity first, got %s then %s", views[0].ThreadID, views[1].ThreadID)
	}
}
