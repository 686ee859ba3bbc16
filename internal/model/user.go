// Package model はドメインモデルを定義する。
package model

import "strings"

// Role は医療専門職のロールを表す。閉じた集合で、未知の値は不正として扱う。
type Role string

const (
	// RoleDoctor は医師を表す。
	RoleDoctor Role = "doctor"
	// RoleStudent は医学生を表す。
	RoleStudent Role = "student"
	// RoleStaff は医療スタッフを表す。
	RoleStaff Role = "staff"
)

// Valid はロールが既知の値かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RoleStudent, RoleStaff:
		return true
	default:
		return false
	}
}

// ParseRole は文字列をRoleに変換する。大文字小文字は区別しない。
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Identity はAPIの「who am I」から取得したユーザープロフィールのスナップショット。
// トークンからローカルに導出することはない。
type Identity struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email,omitempty"`
	Role            Role   `json:"role"`
	Headline        string `json:"headline,omitempty"`
	Bio             string `json:"bio,omitempty"`
	Location        string `json:"location,omitempty"`
	Specialization  string `json:"specialization,omitempty"`
	ExperienceYears int    `json:"experience_years,omitempty"`
	ProfilePic      string `json:"profile_pic,omitempty"`
}

// Profile は接続候補として一覧表示されるユーザーを表す。
type Profile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Role           Role   `json:"role"`
	Specialization string `json:"specialization,omitempty"`
	Location       string `json:"location,omitempty"`
	Headline       string `json:"headline,omitempty"`
	ProfilePic     string `json:"profile_pic,omitempty"`
}

// Provider はフェデレーテッドサインインのIdPを表す。
type Provider string

const (
	// ProviderGoogle はGoogleサインイン。
	ProviderGoogle Provider = "google"
	// ProviderApple はAppleサインイン。
	ProviderApple Provider = "apple"
)

// Valid はプロバイダーがサポート対象かどうかを返す。
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderApple
}
