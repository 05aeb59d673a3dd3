package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"time"

	"helicare/internal/model"
	"helicare/internal/session"
)

const dateLayout = "2006-01-02"

// listOf decodes list payloads that arrive either as a bare array or as an
// object wrapping the array under one of a few keys (paginated endpoints).
type listOf[T any] struct {
	Items []T
}

func (l *listOf[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &l.Items)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for _, key := range []string{"items", "data", "results", "rows"} {
		if raw, ok := obj[key]; ok {
			return json.Unmarshal(raw, &l.Items)
		}
	}
	// Fall back to the first array-valued field by key order.
	for _, key := range slices.Sorted(maps.Keys(obj)) {
		raw := bytes.TrimSpace(obj[key])
		if len(raw) > 0 && raw[0] == '[' {
			return json.Unmarshal(raw, &l.Items)
		}
	}
	return nil
}

// loginData is the login payload. The backend has used both snake and
// camel case for the token over time.
type loginData struct {
	AccessToken      string          `json:"access_token"`
	AccessTokenCamel string          `json:"accessToken"`
	Token            string          `json:"token"`
	RefreshToken     string          `json:"refresh_token"`
	RefreshCamel     string          `json:"refreshToken"`
	User             session.Profile `json:"user"`
}

func (d loginData) accessToken() string {
	for _, t := range []string{d.AccessToken, d.AccessTokenCamel, d.Token} {
		if t != "" {
			return t
		}
	}
	return ""
}

func (d loginData) refreshToken() string {
	if d.RefreshToken != "" {
		return d.RefreshToken
	}
	return d.RefreshCamel
}

// Login signs in and stores the resulting session.
func (c *Client) Login(ctx context.Context, email, password string) (session.Session, error) {
	var data loginData
	err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/auth/login",
		jsonBody:  map[string]string{"email": email, "password": password},
		anonymous: true,
	}, &data)
	if err != nil {
		return session.Session{}, err
	}

	token := data.accessToken()
	if token == "" {
		return session.Session{}, errors.New("api: login response has no access token")
	}
	sess := session.Session{
		AccessToken:  token,
		RefreshToken: data.refreshToken(),
		Profile:      data.User,
	}
	if err := c.sessions.Save(sess); err != nil {
		return session.Session{}, fmt.Errorf("api: save session: %w", err)
	}
	stored, _ := c.sessions.Current()
	return stored, nil
}

// Logout tells the backend and wipes the local session regardless of the
// answer.
func (c *Client) Logout(ctx context.Context) error {
	var reqErr error
	if c.sessions.Token(c.now()) != "" {
		reqErr = c.do(ctx, request{method: http.MethodPost, path: "/auth/logout"}, nil)
	}
	if err := c.sessions.Clear(); err != nil {
		return err
	}
	var apiErr *APIError
	if errors.As(reqErr, &apiErr) && apiErr.Unauthorized() {
		return nil
	}
	return reqErr
}

// Me returns the profile of the signed-in account.
func (c *Client) Me(ctx context.Context) (session.Profile, error) {
	if c.sessions.Token(c.now()) == "" {
		return session.Profile{}, ErrNotSignedIn
	}
	var p session.Profile
	err := c.do(ctx, request{method: http.MethodGet, path: "/auth/me"}, &p)
	return p, err
}

// ScheduleFilter narrows ListSchedules. Zero fields are omitted.
type ScheduleFilter struct {
	ResidentID string
	From       time.Time
	To         time.Time
}

// ListSchedules returns schedule definitions (not expanded).
func (c *Client) ListSchedules(ctx context.Context, f ScheduleFilter) ([]model.Schedule, error) {
	q := url.Values{}
	setIf(q, "resident_id", f.ResidentID)
	setDate(q, "from", f.From)
	setDate(q, "to", f.To)

	var out listOf[model.Schedule]
	if err := c.do(ctx, request{method: http.MethodGet, path: "/schedules", query: q, cacheable: true}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// CareLogFilter narrows ListCareLogs. Zero fields are omitted.
type CareLogFilter struct {
	ResidentID string
	Type       string
	From       time.Time
	To         time.Time
}

// ListCareLogs returns care logs, e.g. Type "meal" for nutrition.
func (c *Client) ListCareLogs(ctx context.Context, f CareLogFilter) ([]model.CareLog, error) {
	q := url.Values{}
	setIf(q, "resident_id", f.ResidentID)
	setIf(q, "type", f.Type)
	setDate(q, "from", f.From)
	setDate(q, "to", f.To)

	var out listOf[model.CareLog]
	if err := c.do(ctx, request{method: http.MethodGet, path: "/care-logs", query: q, cacheable: true}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetWeeklyMenu returns the menu of the week starting on weekStart.
func (c *Client) GetWeeklyMenu(ctx context.Context, weekStart time.Time) (model.WeeklyMenu, error) {
	q := url.Values{}
	setDate(q, "week_start", weekStart)

	var menu model.WeeklyMenu
	if err := c.do(ctx, request{method: http.MethodGet, path: "/menus/weekly", query: q, cacheable: true}, &menu); err != nil {
		return model.WeeklyMenu{}, err
	}
	if !menu.WeekStart.Valid() && !weekStart.IsZero() {
		menu.WeekStart = model.NewTimestamp(weekStart)
	}
	return menu, nil
}

// ListResidents returns the residents visible to the signed-in account.
func (c *Client) ListResidents(ctx context.Context) ([]model.Resident, error) {
	var out listOf[model.Resident]
	if err := c.do(ctx, request{method: http.MethodGet, path: "/residents", cacheable: true}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Upload is a multipart file upload.
type Upload struct {
	// Field is the form field of the file part; "file" when empty.
	Field    string
	Filename string
	Content  io.Reader
	// Route labels the request in metrics; "upload" when empty. Keep it
	// free of ids.
	Route string
	// Fields are extra form values sent alongside the file.
	Fields map[string]string
}

// UploadResult is the backend's answer to an upload.
type UploadResult struct {
	URL      string `json:"url"`
	FileName string `json:"file_name,omitempty"`
}

// UploadFile posts a multipart form to path. The Content-Type comes from
// the multipart writer so the boundary is right; no JSON type is forced.
func (c *Client) UploadFile(ctx context.Context, path string, up Upload) (UploadResult, error) {
	if up.Content == nil {
		return UploadResult{}, errors.New("api: upload content is nil")
	}
	field := up.Field
	if field == "" {
		field = "file"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range up.Fields {
		if err := w.WriteField(k, v); err != nil {
			return UploadResult{}, err
		}
	}
	part, err := w.CreateFormFile(field, up.Filename)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := io.Copy(part, up.Content); err != nil {
		return UploadResult{}, fmt.Errorf("api: read upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, err
	}

	route := up.Route
	if route == "" {
		route = "upload"
	}

	var res UploadResult
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        path,
		route:       route,
		rawBody:     buf.Bytes(),
		contentType: w.FormDataContentType(),
	}, &res)
	return res, err
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setDate(q url.Values, key string, t time.Time) {
	if !t.IsZero() {
		q.Set(key, t.Format(dateLayout))
	}
}
