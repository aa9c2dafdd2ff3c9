package chat

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/materna-health/materna/internal/platform/auth"
	"github.com/materna-health/materna/internal/platform/blobstore"
	"github.com/materna-health/materna/pkg/pagination"
)

// Handler exposes chat over REST. Both sides of the conversation use
// the same routes; the caller's role decides which side of the thread
// they are.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	chat := api.Group("/chat", auth.RequireRole("doctor", "patient"))

	chat.POST("/threads", h.StartThread)
	chat.GET("/threads", h.ListThreads)
	chat.GET("/threads/:threadID", h.GetThread)
	chat.GET("/threads/:threadID/messages", h.ListMessages)
	chat.POST("/threads/:threadID/messages", h.SendMessage)
	chat.POST("/threads/:threadID/read", h.MarkRead)
	chat.POST("/threads/:threadID/archive", h.Archive)
	chat.GET("/unread-count", h.UnreadCount)
	chat.POST("/attachments", h.UploadAttachment)
}

func fail(c echo.Context, code int, msg string) error {
	return c.JSON(code, echo.Map{"success": false, "error": msg})
}

func svcError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrMessageNotFound):
		return fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAccessDenied):
		return fail(c, http.StatusForbidden, err.Error())
	default:
		return fail(c, http.StatusBadRequest, err.Error())
	}
}

// callerRole picks the chat-relevant role from the caller's claims.
func callerRole(c echo.Context) string {
	for _, r := range auth.RolesFromContext(c.Request().Context()) {
		if r == RoleDoctor || r == RolePatient {
			return r
		}
	}
	return ""
}

func (h *Handler) StartThread(c echo.Context) error {
	ctx := c.Request().Context()

	var in StartThreadInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}

	view, created, err := h.svc.StartThread(ctx, auth.UserIDFromContext(ctx), callerRole(c), in)
	if err != nil {
		return svcError(c, err)
	}

	status := http.StatusOK
	msg := "chat thread already exists"
	if created {
		status = http.StatusCreated
		msg = "chat thread created successfully"
	}
	return c.JSON(status, echo.Map{
		"success": true,
		"thread":  view,
		"message": msg,
	})
}

func (h *Handler) ListThreads(c echo.Context) error {
	ctx := c.Request().Context()
	includeArchived := c.QueryParam("include_archived") == "true"

	views, err := h.svc.ListThreads(ctx, auth.UserIDFromContext(ctx), callerRole(c), includeArchived)
	if err != nil {
		return svcError(c, err)
	}
	if views == nil {
		views = []*ThreadView{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":     true,
		"threads":     views,
		"total_count": len(views),
	})
}

func (h *Handler) GetThread(c echo.Context) error {
	ctx := c.Request().Context()

	view, err := h.svc.GetThread(ctx, c.Param("threadID"), auth.UserIDFromContext(ctx), callerRole(c))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "thread": view})
}

func (h *Handler) ListMessages(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("threadID")
	p := pagination.FromContext(c)

	msgs, total, err := h.svc.Messages(ctx, threadID, auth.UserIDFromContext(ctx), callerRole(c), p)
	if err != nil {
		return svcError(c, err)
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":     true,
		"thread_id":   threadID,
		"messages":    msgs,
		"total_count": total,
		"limit":       p.Limit,
		"offset":      p.Offset,
		"has_more":    p.HasNext(total),
	})
}

func (h *Handler) SendMessage(c echo.Context) error {
	ctx := c.Request().Context()

	var in SendMessageInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}

	m, err := h.svc.SendMessage(ctx, c.Param("threadID"), auth.UserIDFromContext(ctx), callerRole(c), in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success":      true,
		"chat_message": m,
		"message":      "message sent successfully",
	})
}

func (h *Handler) MarkRead(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("threadID")

	var in struct {
		MessageID string `json:"message_id"`
	}
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}

	count, err := h.svc.MarkRead(ctx, threadID, auth.UserIDFromContext(ctx), callerRole(c), in.MessageID)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":              true,
		"thread_id":            threadID,
		"messages_marked_read": count,
	})
}

func (h *Handler) Archive(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("threadID")

	in := struct {
		Archived *bool `json:"archived"`
	}{}
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	archived := true
	if in.Archived != nil {
		archived = *in.Archived
	}

	if err := h.svc.Archive(ctx, threadID, auth.UserIDFromContext(ctx), callerRole(c), archived); err != nil {
		return svcError(c, err)
	}

	msg := "chat thread archived"
	if !archived {
		msg = "chat thread unarchived"
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":   true,
		"thread_id": threadID,
		"archived":  archived,
		"message":   msg,
	})
}

func (h *Handler) UnreadCount(c echo.Context) error {
	ctx := c.Request().Context()

	total, breakdown, err := h.svc.UnreadCount(ctx, auth.UserIDFromContext(ctx), callerRole(c))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"total_unread": total,
		"threads":      breakdown,
	})
}

// UploadAttachment stores a chat attachment in the blob store and
// returns its metadata. The message referencing it is created by a
// subsequent SendMessage call carrying the attachment id.
func (h *Handler) UploadAttachment(c echo.Context) error {
	ctx := c.Request().Context()

	threadID := c.FormValue("thread_id")
	if threadID == "" {
		return fail(c, http.StatusBadRequest, "thread_id is required")
	}

	view, err := h.svc.GetThread(ctx, threadID, auth.UserIDFromContext(ctx), callerRole(c))
	if err != nil {
		return svcError(c, err)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return fail(c, http.StatusBadRequest, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := blobstore.BlobMetadata{
		FileName:    file.Filename,
		ContentType: contentType,
		PatientID:   view.PatientID,
		ThreadID:    threadID,
		Category:    "chat-attachment",
		CreatedBy:   auth.UserIDFromContext(ctx),
	}
	stored, err := h.svc.blobs.Upload(ctx, meta, src)
	if err != nil {
		switch {
		case errors.Is(err, blobstore.ErrFileTooLarge):
			return fail(c, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, blobstore.ErrInvalidContentType):
			return fail(c, http.StatusUnsupportedMediaType, err.Error())
		default:
			return fail(c, http.StatusBadRequest, err.Error())
		}
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"success":    true,
		"attachment": stored,
		"message":    "attachment uploaded successfully",
	})
}
