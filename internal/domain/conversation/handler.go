package conversation

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/summarylink/internal/domain/evidence"
	"github.com/ehr/summarylink/internal/platform/auth"
	"github.com/ehr/summarylink/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/conversations/:id", h.GetConversation)
	readGroup.GET("/conversations/:id/messages", h.ListMessages)
	readGroup.GET("/conversations/:id/messages/:mid/sentences", h.GetSentences)
	readGroup.GET("/conversations/:id/messages/:mid/evidence/:idx", h.GetEvidence)
	readGroup.GET("/conversations/:id/panel", h.GetPanel)

	// Write endpoints – admin, physician, nurse
	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	writeGroup.POST("/conversations", h.OpenConversation)
	writeGroup.DELETE("/conversations/:id", h.CloseConversation)
	writeGroup.POST("/conversations/:id/messages", h.PostMessage)
	writeGroup.POST("/conversations/:id/summaries", h.StartSummary)
	writeGroup.POST("/conversations/:id/messages/:mid/explanation", h.RequestExplanation)
	writeGroup.PUT("/conversations/:id/selection", h.PutSelection)
	writeGroup.PUT("/conversations/:id/hover", h.PutHover)
	writeGroup.POST("/conversations/:id/panel/banner/dismiss", h.DismissBanner)
}

// -- Request / response bodies --

type openRequest struct {
	RecordID string `json:"record_id"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type indexRequest struct {
	MessageID  string `json:"message_id"`
	SummaryIdx *int   `json:"summary_idx"`
}

type conversationResponse struct {
	ID              uuid.UUID     `json:"id"`
	RecordID        string        `json:"record_id"`
	CreatedAt       time.Time     `json:"created_at"`
	ActiveMessageID string        `json:"active_message_id,omitempty"`
	Messages        []MessageView `json:"messages"`
}

type evidenceResponse struct {
	SummaryIdx  int                      `json:"summary_idx"`
	Documents   []evidence.DocumentGroup `json:"documents"`
	Placeholder string                   `json:"placeholder,omitempty"`
}

// errorStatus maps service errors to HTTP errors.
func errorStatus(err error) error {
	switch {
	case errors.Is(err, ErrConversationNotFound),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConversationClosed):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, ErrNotExplainable), errors.Is(err, ErrNoExplanation):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidSentence),
		errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrMissingRecordID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func wantsHTML(c echo.Context) bool {
	return c.QueryParam("format") == "html"
}

// -- Conversation Handlers --

func (h *Handler) OpenConversation(c echo.Context) error {
	var req openRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conv, err := h.svc.Open(c.Request().Context(), req.RecordID)
	if err != nil {
		return errorStatus(err)
	}
	views := conv.Views()
	return c.JSON(http.StatusCreated, conversationResponse{
		ID:        conv.ID,
		RecordID:  conv.RecordID,
		CreatedAt: conv.CreatedAt,
		Messages:  views,
	})
}

func (h *Handler) GetConversation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	conv, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return errorStatus(err)
	}
	views := conv.Views()
	return c.JSON(http.StatusOK, conversationResponse{
		ID:              conv.ID,
		RecordID:        conv.RecordID,
		CreatedAt:       conv.CreatedAt,
		ActiveMessageID: conv.ActiveMessage(),
		Messages:        views,
	})
}

func (h *Handler) CloseConversation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Close(c.Request().Context(), id); err != nil {
		return errorStatus(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Message Handlers --

func (h *Handler) ListMessages(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	views, err := h.svc.Views(c.Request().Context(), id)
	if err != nil {
		return errorStatus(err)
	}
	pg := pagination.FromContext(c)
	start, end := pg.Bounds(len(views))
	return c.JSON(http.StatusOK, pagination.NewResponse(views[start:end], len(views), pg.Limit, pg.Offset))
}

func (h *Handler) PostMessage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, err := h.svc.AddUserMessage(c.Request().Context(), id, req.Content)
	if err != nil {
		return errorStatus(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *Handler) StartSummary(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	msg, err := h.svc.StartSummary(c.Request().Context(), id)
	if err != nil {
		return errorStatus(err)
	}
	return c.JSON(http.StatusAccepted, msg)
}

func (h *Handler) RequestExplanation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	mid := c.Param("mid")
	if err := h.svc.RequestExplanation(c.Request().Context(), id, mid); err != nil {
		return errorStatus(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"message_id": mid,
		"status":     string(ModeAnalyzing),
	})
}

// -- Evidence Handlers --

func (h *Handler) GetSentences(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	views, err := h.svc.Sentences(c.Request().Context(), id, c.Param("mid"))
	if err != nil {
		return errorStatus(err)
	}
	if wantsHTML(c) {
		var buf bytes.Buffer
		if err := evidence.WriteSentences(&buf, views); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.HTMLBlob(http.StatusOK, buf.Bytes())
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) GetEvidence(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sentence index")
	}
	grouped, err := h.svc.Evidence(c.Request().Context(), id, c.Param("mid"), idx)
	if err != nil {
		return errorStatus(err)
	}
	if grouped == nil {
		return c.JSON(http.StatusOK, evidenceResponse{
			SummaryIdx:  idx,
			Documents:   []evidence.DocumentGroup{},
			Placeholder: evidence.NoEvidencePlaceholder,
		})
	}
	return c.JSON(http.StatusOK, evidenceResponse{SummaryIdx: idx, Documents: grouped.Documents})
}

// -- Selection / Hover / Panel Handlers --

func (h *Handler) bindIndex(c echo.Context) (uuid.UUID, indexRequest, error) {
	id, err := parseID(c)
	if err != nil {
		return uuid.Nil, indexRequest{}, err
	}
	var req indexRequest
	if err := c.Bind(&req); err != nil {
		return uuid.Nil, indexRequest{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.MessageID == "" {
		return uuid.Nil, indexRequest{}, echo.NewHTTPError(http.StatusBadRequest, "message_id is required")
	}
	return id, req, nil
}

func (h *Handler) PutSelection(c echo.Context) error {
	id, req, err := h.bindIndex(c)
	if err != nil {
		return err
	}
	if err := h.svc.Select(c.Request().Context(), id, req.MessageID, req.SummaryIdx); err != nil {
		return errorStatus(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) PutHover(c echo.Context) error {
	id, req, err := h.bindIndex(c)
	if err != nil {
		return err
	}
	hl, err := h.svc.Hover(c.Request().Context(), id, req.MessageID, req.SummaryIdx)
	if err != nil {
		return errorStatus(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message_id":    req.MessageID,
		"summary_idx":   hl.SummaryIdx,
		"active":        hl.Active,
		"scroll_target": hl.Scroll,
	})
}

func (h *Handler) GetPanel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Panel(c.Request().Context(), id, c.QueryParam("message_id"))
	if err != nil {
		return errorStatus(err)
	}
	if wantsHTML(c) {
		var buf bytes.Buffer
		if err := evidence.WritePanel(&buf, view); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.HTMLBlob(http.StatusOK, buf.Bytes())
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) DismissBanner(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	mid := c.QueryParam("message_id")
	if mid == "" {
		conv, err := h.svc.Get(c.Request().Context(), id)
		if err != nil {
			return errorStatus(err)
		}
		mid = conv.ActiveMessage()
	}
	if err := h.svc.DismissBanner(c.Request().Context(), id, mid); err != nil {
		return errorStatus(err)
	}
	return c.NoContent(http.StatusNoContent)
}
