// Package validation は入力値の検証を提供する。
// クライアント側（送信前）とサーバー側で同じ規則を使う。
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/satez/internal/model"
)

// Validator はstructタグに基づく検証器。
type Validator struct {
	v *validator.Validate
}

// New はJSONタグ名でエラーを報告するValidatorを生成する。
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{v: v}
}

// Struct はstructを検証し、違反があればVALIDATION_FAILEDのAPIErrorを返す。
func (val *Validator) Struct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}

	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		reasons = append(reasons, describe(fe))
	}
	return model.NewValidationError(strings.Join(reasons, ", "))
}

// ValidatePatch はプロフィールパッチを検証する。
func (val *Validator) ValidatePatch(p model.ProfilePatch) error {
	return val.Struct(p)
}

// ValidateEmail はメールアドレス単体を検証する。
func (val *Validator) ValidateEmail(email string) error {
	if err := val.v.Var(email, "required,email,max=254"); err != nil {
		return model.NewValidationError("email: メールアドレスの形式が正しくありません")
	}
	return nil
}

// ValidatePassword はパスワード単体を検証する。
// bcryptが扱える72バイトを上限とする。
func (val *Validator) ValidatePassword(password string) error {
	if err := val.v.Var(password, "required,min=8,max=72"); err != nil {
		return model.NewValidationError("password: 8文字以上72文字以下で入力してください")
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: 必須項目です", field)
	case "email":
		return fmt.Sprintf("%s: メールアドレスの形式が正しくありません", field)
	case "url":
		return fmt.Sprintf("%s: URLの形式が正しくありません", field)
	case "min":
		if isNumeric(fe.Kind()) {
			return fmt.Sprintf("%s: %s以上で入力してください", field, fe.Param())
		}
		return fmt.Sprintf("%s: %s文字以上で入力してください", field, fe.Param())
	case "max":
		if isNumeric(fe.Kind()) {
			return fmt.Sprintf("%s: %s以下で入力してください", field, fe.Param())
		}
		return fmt.Sprintf("%s: %s文字以下で入力してください", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s: %s のいずれかを指定してください", field, fe.Param())
	default:
		return fmt.Sprintf("%s: 値が不正です", field)
	}
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
