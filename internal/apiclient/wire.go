package apiclient

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/hitoshi/medlink/internal/model"
)

// flexInt は数値と数値文字列の両方を受け付ける整数。
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = flexInt(f)
	return nil
}

// wireUser はAPIが返すユーザーオブジェクト。IDは "_id" または "id" で届く。
type wireUser struct {
	ID             string  `json:"id"`
	ObjectID       string  `json:"_id"`
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Role           string  `json:"role"`
	Headline       string  `json:"headline"`
	Bio            string  `json:"bio"`
	Location       string  `json:"location"`
	Specialization string  `json:"specialization"`
	Experience     flexInt `json:"experience"`
	ProfilePic     string  `json:"profilePic"`
}

func (u wireUser) id() string {
	if u.ObjectID != "" {
		return u.ObjectID
	}
	return u.ID
}

// wireRef は他ユーザーへの参照。ID文字列またはユーザーオブジェクトのどちらでもよい。
type wireRef struct {
	ID string
}

func (r *wireRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		r.ID = s
		return nil
	}
	var obj struct {
		ID       string `json:"id"`
		ObjectID string `json:"_id"`
		User     string `json:"user"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	switch {
	case obj.ObjectID != "":
		r.ID = obj.ObjectID
	case obj.ID != "":
		r.ID = obj.ID
	default:
		r.ID = obj.User
	}
	return nil
}

// wireJob はAPIが返す求人オブジェクト。
type wireJob struct {
	ID          string    `json:"id"`
	ObjectID    string    `json:"_id"`
	Title       string    `json:"title"`
	Hospital    string    `json:"hospital"`
	Location    string    `json:"location"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Applicants  []wireRef `json:"applicants"`
	Saved       bool      `json:"saved"`
	Applied     bool      `json:"applied"`
}

func (j wireJob) id() string {
	if j.ObjectID != "" {
		return j.ObjectID
	}
	return j.ID
}

// toIdentity は /auth/me のユーザーを検証してIdentityに変換する。
// IDが無い、またはロールが既知の集合に含まれない場合は不正として扱う。
func (c *Client) toIdentity(u wireUser) (*model.Identity, bool) {
	id := strings.TrimSpace(u.id())
	if id == "" {
		return nil, false
	}
	role, ok := model.ParseRole(u.Role)
	if !ok {
		return nil, false
	}
	return &model.Identity{
		ID:              id,
		Name:            c.sanitizer.SanitizeText(u.Name),
		Email:           strings.TrimSpace(u.Email),
		Role:            role,
		Headline:        c.sanitizer.SanitizeText(u.Headline),
		Bio:             c.sanitizer.SanitizeText(u.Bio),
		Location:        c.sanitizer.SanitizeText(u.Location),
		Specialization:  c.sanitizer.SanitizeText(u.Specialization),
		ExperienceYears: int(u.Experience),
		ProfilePic:      c.sanitizer.SanitizeImageURL(u.ProfilePic),
	}, true
}

// toProfile は一覧のユーザーをProfileに変換する。IDが無いものは不正。
// ロールが未知の場合は空のロールとして扱う。
func (c *Client) toProfile(u wireUser) (model.Profile, bool) {
	id := strings.TrimSpace(u.id())
	if id == "" {
		return model.Profile{}, false
	}
	role, ok := model.ParseRole(u.Role)
	if !ok {
		role = ""
	}
	return model.Profile{
		ID:             id,
		Name:           c.sanitizer.SanitizeText(u.Name),
		Role:           role,
		Specialization: c.sanitizer.SanitizeText(u.Specialization),
		Location:       c.sanitizer.SanitizeText(u.Location),
		Headline:       c.sanitizer.SanitizeText(u.Headline),
		ProfilePic:     c.sanitizer.SanitizeImageURL(u.ProfilePic),
	}, true
}

// toJob は求人をJobに変換する。selfIDが応募者に含まれる場合はApplied扱いにする。
func (c *Client) toJob(j wireJob, selfID string) (model.Job, bool) {
	id := strings.TrimSpace(j.id())
	if id == "" {
		return model.Job{}, false
	}
	applied := j.Applied
	if selfID != "" {
		for _, a := range j.Applicants {
			if a.ID == selfID {
				applied = true
				break
			}
		}
	}
	return model.Job{
		ID:          id,
		Title:       c.sanitizer.SanitizeText(j.Title),
		Hospital:    c.sanitizer.SanitizeText(j.Hospital),
		Location:    c.sanitizer.SanitizeText(j.Location),
		Type:        c.sanitizer.SanitizeText(j.Type),
		Description: c.sanitizer.SanitizeRichText(j.Description),
		Applicants:  len(j.Applicants),
		Saved:       j.Saved,
		Applied:     applied,
	}, true
}
