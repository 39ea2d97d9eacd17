package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/rafflebot/internal/middleware"
	"github.com/hitoshi/rafflebot/internal/model"
	"github.com/hitoshi/rafflebot/internal/raffle"
)

// maxRequestBodySize はJSONリクエストボディの上限。
const maxRequestBodySize = 1 << 20

// RaffleServiceInterface は抽選ハンドラーが必要とするサービスインターフェース。
type RaffleServiceInterface interface {
	// ListActive は開催中の抽選を参加者数付きで返す。
	ListActive(ctx context.Context) ([]model.RaffleView, error)
	// CreateRaffle は抽選を作成する。
	CreateRaffle(ctx context.Context, in raffle.CreateInput) (*model.Raffle, error)
	// GetRaffle は抽選を1件取得する。
	GetRaffle(ctx context.Context, id string) (*model.Raffle, error)
	// ListParticipants は抽選の参加者を登録順に返す。
	ListParticipants(ctx context.Context, raffleID string) ([]model.ParticipantView, error)
	// Draw は当選者を決定して抽選を終了する。
	Draw(ctx context.Context, raffleID string) ([]model.Participant, error)
}

// RaffleHandler は抽選管理APIのHTTPハンドラー。
type RaffleHandler struct {
	service RaffleServiceInterface
	logger  *slog.Logger
}

// NewRaffleHandler はRaffleHandlerを生成する。
func NewRaffleHandler(service RaffleServiceInterface, logger *slog.Logger) *RaffleHandler {
	return &RaffleHandler{
		service: service,
		logger:  logger,
	}
}

// raffleSummaryResponse は抽選一覧の要素。
type raffleSummaryResponse struct {
	ID               string     `json:"id"`
	MessageID        int64      `json:"message_id,omitempty"`
	Text             string     `json:"text"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	WinnersCount     int        `json:"winners_count"`
	ParticipantCount int        `json:"participant_count"`
	CreatedAt        time.Time  `json:"created_at"`
}

// raffleResponse は抽選詳細のAPIレスポンス。
type raffleResponse struct {
	ID           string     `json:"id"`
	MessageID    int64      `json:"message_id,omitempty"`
	Text         string     `json:"text"`
	PhotoRef     string     `json:"photo_ref,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	IsActive     bool       `json:"is_active"`
	WinnersCount int        `json:"winners_count"`
	Winners      []int64    `json:"winners"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

type participantResponse struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username,omitempty"`
}

type drawResponse struct {
	RaffleID string                `json:"raffle_id"`
	Winners  []participantResponse `json:"winners"`
}

// createRaffleRequest は抽選作成リクエストのボディ。
type createRaffleRequest struct {
	Text         string     `json:"text"`
	PhotoRef     string     `json:"photo_ref"`
	WinnersCount int        `json:"winners_count"`
	EndDate      *time.Time `json:"end_date"`
	MessageID    int64      `json:"message_id"`
}

// ListRaffles は開催中の抽選一覧を返す。
// GET /api/raffles
func (h *RaffleHandler) ListRaffles(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListActive(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	resp := make([]raffleSummaryResponse, len(views))
	for i, v := range views {
		resp[i] = raffleSummaryResponse{
			ID:               v.ID,
			MessageID:        v.MessageID,
			Text:             v.Text,
			EndDate:          optionalTime(v.EndDate),
			WinnersCount:     v.WinnersCount,
			ParticipantCount: v.ParticipantCount,
			CreatedAt:        v.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateRaffle は抽選を作成する。
// POST /api/raffles
func (h *RaffleHandler) CreateRaffle(w http.ResponseWriter, r *http.Request) {
	var req createRaffleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディが不正です"))
		return
	}

	in := raffle.CreateInput{
		Text:         req.Text,
		PhotoRef:     strings.TrimSpace(req.PhotoRef),
		WinnersCount: req.WinnersCount,
		MessageID:    req.MessageID,
	}
	if req.EndDate != nil {
		in.EndDate = *req.EndDate
	}

	created, err := h.service.CreateRaffle(r.Context(), in)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRaffleResponse(created))
}

// GetRaffle は抽選の詳細を返す。
// GET /api/raffles/{id}
func (h *RaffleHandler) GetRaffle(w http.ResponseWriter, r *http.Request) {
	found, err := h.service.GetRaffle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRaffleResponse(found))
}

// ListParticipants は抽選の参加者一覧を返す。
// GET /api/raffles/{id}/participants
func (h *RaffleHandler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListParticipants(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	resp := make([]participantResponse, len(views))
	for i, v := range views {
		resp[i] = participantResponse{UserID: v.UserID, DisplayName: v.DisplayName, Username: v.Username}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DrawRaffle は抽選を実行し、当選者を返す。
// POST /api/raffles/{id}/draw
func (h *RaffleHandler) DrawRaffle(w http.ResponseWriter, r *http.Request) {
	raffleID := chi.URLParam(r, "id")
	winners, err := h.service.Draw(r.Context(), raffleID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	resp := drawResponse{RaffleID: raffleID, Winners: make([]participantResponse, len(winners))}
	for i := range winners {
		v := model.NewParticipantView(&winners[i])
		resp.Winners[i] = participantResponse{UserID: v.UserID, DisplayName: v.DisplayName, Username: v.Username}
	}
	writeJSON(w, http.StatusOK, resp)
}

func toRaffleResponse(r *model.Raffle) raffleResponse {
	winners := make([]int64, 0, len(r.Winners))
	for _, w := range r.Winners {
		if w != nil {
			winners = append(winners, *w)
		}
	}
	return raffleResponse{
		ID:           r.ID,
		MessageID:    r.MessageID,
		Text:         r.Text,
		PhotoRef:     r.PhotoRef,
		EndDate:      optionalTime(r.EndDate),
		IsActive:     r.IsActive,
		WinnersCount: r.WinnersCount,
		Winners:      winners,
		CreatedAt:    r.CreatedAt,
		ClosedAt:     r.ClosedAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func (h *RaffleHandler) handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	if model.IsStorageError(err) || errors.Is(err, context.DeadlineExceeded) {
		h.logger.Error("storage unavailable", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Code:     model.ErrCodeStorage,
			Message:  "データストアに一時的に接続できません。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	h.logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeRaffleNotFound:
		return http.StatusNotFound
	case model.ErrCodeRaffleClosed:
		return http.StatusConflict
	case model.ErrCodeNoParticipants,
		model.ErrCodeInsufficientParticipants,
		model.ErrCodeInsufficientEligibleParticipants:
		return http.StatusUnprocessableEntity
	case model.ErrCodeEligibilityCheckFailed, model.ErrCodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
