package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/satez/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードとHTTPステータスの対応表。
var statusByCode = map[string]int{
	model.ErrCodeNotAuthenticated:   http.StatusUnauthorized,
	model.ErrCodeInvalidCredentials: http.StatusBadRequest,
	model.ErrCodeEmailNotConfirmed:  http.StatusForbidden,
	model.ErrCodeEmailTaken:         http.StatusConflict,
	model.ErrCodeValidationFailed:   http.StatusUnprocessableEntity,
	model.ErrCodeInvalidToken:       http.StatusBadRequest,
	model.ErrCodeUnknownProvider:    http.StatusBadRequest,
	model.ErrCodeProfileNotFound:    http.StatusNotFound,
	model.ErrCodeUserNotFound:       http.StatusNotFound,
	model.ErrCodeForbidden:          http.StatusForbidden,
	model.ErrCodeRateLimited:        http.StatusTooManyRequests,
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。
// 未知のコードは500とする。
func StatusForCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はerrorをステータスコード付きの統一フォーマットで書き込む。
// APIErrorでないエラーは内部エラーとしてログに残し、詳細は返さない。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
		return
	}

	slog.Error("request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
