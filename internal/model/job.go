package model

import "strings"

// Job は求人情報とユーザーごとのインタラクション状態（保存/応募）を表す。
type Job struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Hospital    string `json:"hospital"`
	Location    string `json:"location,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Applicants  int    `json:"applicants"`

	// Saved はサーバーが最後に報告した保存状態。
	Saved bool `json:"saved"`
	// Applied はこのセッション中に応募がサーバーに受理されたかどうか。
	Applied bool `json:"applied"`
}

// JobDraft は医師が作成・編集する求人の入力内容。
// Tagsはカンマ区切りの文字列のまま送信する。
type JobDraft struct {
	Title       string `json:"title"`
	Hospital    string `json:"hospital"`
	Location    string `json:"location"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Tags        string `json:"tags"`
}

// Normalize は前後の空白を取り除いたコピーを返す。
func (d JobDraft) Normalize() JobDraft {
	return JobDraft{
		Title:       strings.TrimSpace(d.Title),
		Hospital:    strings.TrimSpace(d.Hospital),
		Location:    strings.TrimSpace(d.Location),
		Type:        strings.TrimSpace(d.Type),
		Description: strings.TrimSpace(d.Description),
		Tags:        strings.TrimSpace(d.Tags),
	}
}

// Validate は必須項目（職種名と病院名）を検査する。
func (d JobDraft) Validate() error {
	d = d.Normalize()
	if d.Title == "" {
		return NewInvalidRequestError("title is required")
	}
	if d.Hospital == "" {
		return NewInvalidRequestError("hospital is required")
	}
	return nil
}
