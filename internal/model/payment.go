package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// PaymentType は決済対象の種類を表す。
type PaymentType string

const (
	// PaymentTypeEvent はイベントRSVPの決済を表す。
	PaymentTypeEvent PaymentType = "event"
	// PaymentTypeService はサービス予約の決済を表す。
	PaymentTypeService PaymentType = "service"
)

// Valid は決済種別が許可された値かどうかを返す。
func (t PaymentType) Valid() bool {
	return t == PaymentTypeEvent || t == PaymentTypeService
}

// FlexibleID は文字列と数値のどちらのJSON表現からも読み込まれるID。
// モバイルクライアントはitem_idを数値で送ることがある。
type FlexibleID string

// PaymentRequest は決済開始リクエストを表す。
// 購入試行ごとに一時的に構築され、永続化されない。
type PaymentRequest struct {
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
	UserID   string      `json:"user_id"`
	Type     PaymentType `json:"type"`
	ItemID   FlexibleID  `json:"item_id"`

	// malformed は文字列として解釈できなかったフィールド名（最初の1つ）。
	malformed string
}

// UnmarshalJSON は各フィールドの型に寛容にリクエストを読み込む。
// 欠落・null・false・""・0 は未指定として扱う。
// 型の誤りはここではエラーにせず、Validateが決まった順序で報告する。
func (r *PaymentRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("body must be a JSON object: %w", err)
	}

	var out PaymentRequest
	for _, name := range []string{"amount", "currency", "user_id", "type", "item_id"} {
		text, kind, err := looseField(fields[name])
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		switch name {
		case "amount":
			out.Amount = json.Number(text)
		case "currency":
			out.Currency = text
		case "user_id":
			out.UserID = text
		case "type":
			out.Type = PaymentType(text)
		case "item_id":
			out.ItemID = FlexibleID(text)
		}
		// amountとtypeは値の検証で拒否されるため、それ以外のみ記録する
		if kind == fieldOther && name != "amount" && name != "type" && out.malformed == "" {
			out.malformed = name
		}
	}

	*r = out
	return nil
}

type fieldKind int

const (
	fieldMissing fieldKind = iota
	fieldString
	fieldNumber
	fieldOther
)

// looseField はJSON値を文字列表現と種類に分類する。
// 偽と評価される値（null, false, "", 0）はfieldMissingになる。
func looseField(raw json.RawMessage) (string, fieldKind, error) {
	if len(raw) == 0 {
		return "", fieldMissing, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fieldMissing, err
	}

	switch x := v.(type) {
	case nil:
		return "", fieldMissing, nil
	case bool:
		if !x {
			return "", fieldMissing, nil
		}
		return "true", fieldOther, nil
	case string:
		if x == "" {
			return "", fieldMissing, nil
		}
		return x, fieldString, nil
	case json.Number:
		if f, err := x.Float64(); err == nil && f == 0 {
			return "", fieldMissing, nil
		}
		return x.String(), fieldNumber, nil
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", fieldMissing, err
		}
		return buf.String(), fieldOther, nil
	}
}

// Validate はリクエストを検証する。最初に見つかった違反を返す。
// 検証順序: 必須フィールド → 種別 → 金額 → フィールドの型
// 金額0は未指定として扱う。
func (r PaymentRequest) Validate() error {
	if r.missingFields() {
		return NewMissingFieldsError()
	}
	if !r.Type.Valid() {
		return NewInvalidTypeError(string(r.Type))
	}
	if _, err := r.AmountValue(); err != nil {
		return NewInvalidAmountError(r.Amount.String())
	}
	if r.malformed != "" {
		return NewValidationError(fmt.Sprintf("Invalid %s: must be a string or a number", r.malformed))
	}
	return nil
}

func (r PaymentRequest) missingFields() bool {
	if r.Amount == "" || r.Currency == "" || r.UserID == "" || r.Type == "" || r.ItemID == "" {
		return true
	}
	if f, err := r.Amount.Float64(); err == nil && f == 0 {
		return true
	}
	return false
}

// AmountValue は金額を正の有限数として返す。
// JSONの数値リテラルとして書かれた値のみ受け付ける。
func (r PaymentRequest) AmountValue() (float64, error) {
	s := r.Amount.String()
	if !isNumberLiteral(s) {
		return 0, fmt.Errorf("amount is not a number: %q", s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("amount is not a number: %w", err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) || f <= 0 {
		return 0, fmt.Errorf("amount must be positive: %s", r.Amount)
	}
	return f, nil
}

// isNumberLiteral はsがJSONの数値リテラルかどうかを返す。
// strconv.ParseFloatが受け付ける "Inf" や16進表記を除外する。
func isNumberLiteral(s string) bool {
	if s == "" || !json.Valid([]byte(s)) {
		return false
	}
	c := s[0]
	return c == '-' || (c >= '0' && c <= '9')
}

// TransactionRef は決済プロバイダーへの引き渡し情報を表す。
// 生成後のライフサイクルはこのシステムでは追跡しない。
type TransactionRef struct {
	TxRef       string
	RedirectURL string
}

// CheckoutRequest は決済プロバイダーに送るトランザクション作成リクエスト。
type CheckoutRequest struct {
	Amount      json.Number
	Currency    string
	Email       string
	FirstName   string
	LastName    string
	TxRef       string
	ReturnURL   string
	Title       string
	Description string
	Meta        map[string]string
}

// CheckoutResult は決済プロバイダーの応答を表す。
// Rawはプロバイダーの応答ボディをそのまま保持し、失敗時の診断に使う。
type CheckoutResult struct {
	Status      string
	Message     string
	CheckoutURL string
	Raw         json.RawMessage
}

// Succeeded はプロバイダーが成功を報告し、チェックアウトURLを返したかどうかを返す。
func (r *CheckoutResult) Succeeded() bool {
	return r != nil && r.Status == "success" && r.CheckoutURL != ""
}
