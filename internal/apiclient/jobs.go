package apiclient

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/medlink/internal/model"
)

type jobsResponse struct {
	Jobs *[]wireJob `json:"jobs"`
}

type saveResponse struct {
	Saved *bool `json:"saved"`
}

type applyResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// ListJobs は求人一覧を返す。selfIDが応募者に含まれる求人はApplied扱いになる。
func (c *Client) ListJobs(ctx context.Context, selfID string) ([]model.Job, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint:  "jobs_list",
		method:    http.MethodGet,
		path:      "/jobs",
		protected: true,
	})
	if err != nil {
		return nil, err
	}

	var resp jobsResponse
	if err := decode("jobs_list", body, &resp); err != nil {
		return nil, err
	}
	if resp.Jobs == nil {
		return nil, malformed("jobs_list", "jobs is missing")
	}

	jobs := make([]model.Job, 0, len(*resp.Jobs))
	skipped := 0
	for _, j := range *resp.Jobs {
		job, ok := c.toJob(j, selfID)
		if !ok {
			skipped++
			continue
		}
		jobs = append(jobs, job)
	}
	if skipped > 0 {
		c.logger.Warn("IDの無い求人を除外しました", slog.Int("skipped", skipped))
	}
	return jobs, nil
}

// ToggleSave は求人の保存状態を反転し、サーバーが報告した保存状態を返す。
func (c *Client) ToggleSave(ctx context.Context, jobID string) (bool, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint:  "jobs_save",
		method:    http.MethodPost,
		path:      "/jobs/" + url.PathEscape(jobID) + "/save",
		protected: true,
	})
	if err != nil {
		return false, err
	}

	var resp saveResponse
	if err := decode("jobs_save", body, &resp); err != nil {
		return false, err
	}
	if resp.Saved == nil {
		return false, malformed("jobs_save", "saved is missing")
	}
	return *resp.Saved, nil
}

// Apply は求人に応募する。coverLetterは空でもよい。
// 2xxでも success=false の場合はServerRejectedとして扱う。
func (c *Client) Apply(ctx context.Context, jobID, coverLetter string) error {
	body, err := c.do(ctx, apiRequest{
		endpoint:  "jobs_apply",
		method:    http.MethodPost,
		path:      "/jobs/" + url.PathEscape(jobID) + "/apply",
		body:      map[string]string{"coverLetter": coverLetter},
		protected: true,
	})
	if err != nil {
		return err
	}

	var resp applyResponse
	if err := decode("jobs_apply", body, &resp); err != nil {
		return err
	}
	return c.rejectedBody(resp.Success, resp.Message)
}

type jobResponse struct {
	Success *bool    `json:"success"`
	Message string   `json:"message"`
	Job     *wireJob `json:"job"`
}

// rejectedBody は2xxでも success=false の応答をServerRejectedに変換する。
func (c *Client) rejectedBody(success *bool, message string) error {
	if success != nil && !*success {
		return &model.ServerRejected{
			StatusCode: http.StatusOK,
			Message:    c.sanitizer.SanitizeText(message),
		}
	}
	return nil
}

// jobFromResponse は応答に含まれる求人を返す。含まれない場合はfallbackを返す。
func (c *Client) jobFromResponse(endpoint string, body []byte, fallback model.Job) (model.Job, error) {
	var resp jobResponse
	if err := decode(endpoint, body, &resp); err != nil {
		return model.Job{}, err
	}
	if err := c.rejectedBody(resp.Success, resp.Message); err != nil {
		return model.Job{}, err
	}
	if resp.Job == nil {
		return fallback, nil
	}
	job, ok := c.toJob(*resp.Job, "")
	if !ok {
		return fallback, nil
	}
	return job, nil
}

// CreateJob は求人を掲載する。応答に求人が含まれない場合、IDが空のJobを返す。
func (c *Client) CreateJob(ctx context.Context, draft model.JobDraft) (model.Job, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint:  "jobs_create",
		method:    http.MethodPost,
		path:      "/jobs/create",
		body:      draft,
		protected: true,
	})
	if err != nil {
		return model.Job{}, err
	}
	return c.jobFromResponse("jobs_create", body, draftJob("", draft))
}

// MyJobs は自分が掲載した求人を返す。
func (c *Client) MyJobs(ctx context.Context) ([]model.Job, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint:  "jobs_mine",
		method:    http.MethodGet,
		path:      "/jobs/my",
		protected: true,
	})
	if err != nil {
		return nil, err
	}

	var resp jobsResponse
	if err := decode("jobs_mine", body, &resp); err != nil {
		return nil, err
	}
	if resp.Jobs == nil {
		return nil, malformed("jobs_mine", "jobs is missing")
	}
	jobs := make([]model.Job, 0, len(*resp.Jobs))
	for _, j := range *resp.Jobs {
		if job, ok := c.toJob(j, ""); ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// UpdateJob は掲載済みの求人を更新する。
func (c *Client) UpdateJob(ctx context.Context, jobID string, draft model.JobDraft) (model.Job, error) {
	body, err := c.do(ctx, apiRequest{
		endpoint:  "jobs_update",
		method:    http.MethodPut,
		path:      "/jobs/" + url.PathEscape(jobID),
		body:      draft,
		protected: true,
	})
	if err != nil {
		return model.Job{}, err
	}
	return c.jobFromResponse("jobs_update", body, draftJob(jobID, draft))
}

// DeleteJob は掲載済みの求人を削除する。
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	body, err := c.do(ctx, apiRequest{
		endpoint:  "jobs_delete",
		method:    http.MethodDelete,
		path:      "/jobs/" + url.PathEscape(jobID),
		protected: true,
	})
	if err != nil {
		return err
	}
	// 204など空の応答は成功とみなす
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var resp applyResponse
	if err := decode("jobs_delete", body, &resp); err != nil {
		return err
	}
	return c.rejectedBody(resp.Success, resp.Message)
}

func draftJob(jobID string, d model.JobDraft) model.Job {
	return model.Job{
		ID:          jobID,
		Title:       d.Title,
		Hospital:    d.Hospital,
		Location:    d.Location,
		Type:        d.Type,
		Description: d.Description,
	}
}
