// Package client is the agent side of the protocol: it enrolls, signs every
// request and speaks the agent endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/enrollment"
	"github.com/alecgard/outpost/internal/job"
	"github.com/alecgard/outpost/internal/report"
	"github.com/google/uuid"
)

const agentPrefix = "/api/v1/agent"

// Error is a non-2xx response decoded from the server's error envelope.
type Error struct {
	Status  int
	Code    apierr.Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error (status %d): %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to one server on behalf of one agent.
type Client struct {
	BaseURL    string
	Token      string
	Secret     string
	HTTPClient *http.Client

	now   func() time.Time
	nonce func() string
}

// New creates a Client. timeout zero means 30s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		nonce:      uuid.NewString,
	}
}

// Enroll redeems an enrollment key and stores the returned credentials on
// the client.
func (c *Client) Enroll(ctx context.Context, enrollmentKey, agentName string) (*enrollment.Result, error) {
	body, err := json.Marshal(enrollment.EnrollInput{EnrollmentKey: enrollmentKey, AgentName: agentName})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+agentPrefix+"/enroll", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res enrollment.Result
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	c.Token = res.AgentToken
	c.Secret = res.HMACSecret
	return &res, nil
}

// HeartbeatResponse is the server's answer to a heartbeat.
type HeartbeatResponse struct {
	OK        bool      `json:"ok"`
	Agent     string    `json:"agent"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat reports liveness and optional host metadata.
func (c *Client) Heartbeat(ctx context.Context, in agent.HeartbeatInput) (*HeartbeatResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out HeartbeatResponse
	if err := c.signedJSON(ctx, "/heartbeat", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PollJobs fetches the next batch of jobs.
func (c *Client) PollJobs(ctx context.Context) ([]job.Delivery, error) {
	var out []job.Delivery
	if err := c.signedJSON(ctx, "/poll-jobs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ack reports a job as done.
func (c *Client) Ack(ctx context.Context, id string) error {
	return c.signedJSON(ctx, "/ack-job/"+id, nil, nil)
}

// Fail reports a job as failed.
func (c *Client) Fail(ctx context.Context, id, reason string) error {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	return c.signedJSON(ctx, "/fail-job/"+id, body, nil)
}

// Upload is one report to send.
type Upload struct {
	Kind     string
	Filename string
	JobID    string
	Content  []byte
}

// UploadReport sends a report as JSON.
func (c *Client) UploadReport(ctx context.Context, u Upload) (*report.Report, error) {
	body, err := json.Marshal(map[string]string{
		"kind":     u.Kind,
		"filename": u.Filename,
		"jobId":    u.JobID,
		"content":  string(u.Content),
	})
	if err != nil {
		return nil, err
	}
	var out report.Report
	if err := c.signedJSON(ctx, "/upload-report", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadReportFile sends a report as multipart/form-data. The signature
// covers the encoded multipart body.
func (c *Client) UploadReportFile(ctx context.Context, u Upload) (*report.Report, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("kind", u.Kind); err != nil {
		return nil, err
	}
	if u.JobID != "" {
		if err := mw.WriteField("jobId", u.JobID); err != nil {
			return nil, err
		}
	}
	fw, err := mw.CreateFormFile("file", u.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(u.Content); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.SignedRequest(ctx, http.MethodPost, agentPrefix+"/upload-report", buf.Bytes())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out report.Report
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SignedRequest builds a request carrying the agent token and a fresh HMAC
// signature over body.
func (c *Client) SignedRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	nonce := c.nonce()

	req.Header.Set(auth.HeaderToken, c.Token)
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, auth.Sign(c.Secret, ts, nonce, body))
	return req, nil
}

func (c *Client) signedJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := c.SignedRequest(ctx, http.MethodPost, agentPrefix+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env apierr.Envelope
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &env); err != nil || env.Error.Code == "" {
			return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return &Error{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
