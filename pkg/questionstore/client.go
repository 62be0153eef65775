// Package questionstore is the HTTP client for the question store and the
// finished-artifact endpoint.
package questionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"docforge/internal/apperr"
	"docforge/internal/collaborator"
	"docforge/internal/doctype"
	"docforge/internal/entity"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Client struct {
	BaseURL string
	Client  *http.Client
	tracer  trace.Tracer
}

var (
	_ collaborator.QuestionStore   = (*Client)(nil)
	_ collaborator.ArtifactFetcher = (*Client)(nil)
)

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		tracer:  otel.Tracer("docforge/questionstore"),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type answerRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (c *Client) documentURL(projectId string, docType doctype.Type, suffix string) string {
	return fmt.Sprintf("%s/projects/%s/documents/%s/%s", c.BaseURL, url.PathEscape(projectId), docType, suffix)
}

func (c *Client) FetchUnanswered(ctx context.Context, projectId string, docType doctype.Type) ([]entity.Question, error) {
	return c.fetchQuestions(ctx, projectId, docType, "unanswered")
}

// FetchAllAnswered returns every question with its persisted answer, for review.
func (c *Client) FetchAllAnswered(ctx context.Context, projectId string, docType doctype.Type) ([]entity.Question, error) {
	return c.fetchQuestions(ctx, projectId, docType, "all")
}

func (c *Client) fetchQuestions(ctx context.Context, projectId string, docType doctype.Type, status string) ([]entity.Question, error) {
	ctx, span := c.tracer.Start(ctx, "questionstore.FetchQuestions", trace.WithAttributes(
		attribute.String("project_id", projectId),
		attribute.String("document_type", string(docType)),
		attribute.String("status", status),
	))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(projectId, docType, "questions?status="+status), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var questions []entity.Question
	if err := c.doJSON(req, &questions); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("questions", len(questions)))
	return questions, nil
}

func (c *Client) SubmitAnswer(ctx context.Context, projectId string, docType doctype.Type, q entity.Question) error {
	ctx, span := c.tracer.Start(ctx, "questionstore.SubmitAnswer", trace.WithAttributes(
		attribute.String("project_id", projectId),
		attribute.String("document_type", string(docType)),
		attribute.Int("ordinal", q.Ordinal),
	))
	defer span.End()

	body, err := json.Marshal(answerRequest{Question: q.Prompt, Answer: q.Answer})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.documentURL(projectId, docType, "questions/"+strconv.Itoa(q.Ordinal)), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.doJSON(req, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("question store request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return fmt.Errorf("question store error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return fmt.Errorf("question store error: status %d: %s", resp.StatusCode, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// FetchArtifact downloads the finished document. Every failure wraps
// apperr.ErrArtifactFetch.
func (c *Client) FetchArtifact(ctx context.Context, projectId string, docType doctype.Type) (*entity.Artifact, error) {
	ctx, span := c.tracer.Start(ctx, "questionstore.FetchArtifact", trace.WithAttributes(
		attribute.String("project_id", projectId),
		attribute.String("document_type", string(docType)),
	))
	defer span.End()

	artifact, err := c.fetchArtifact(ctx, projectId, docType)
	if err != nil {
		err = fmt.Errorf("%w: %v", apperr.ErrArtifactFetch, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("bytes", len(artifact.Content)))
	return artifact, nil
}

func (c *Client) fetchArtifact(ctx context.Context, projectId string, docType doctype.Type) (*entity.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(projectId, docType, "artifact"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if d, ok := doctype.Lookup(docType); ok {
			name = d.ArtifactName
		} else {
			name = string(docType)
		}
	}

	return &entity.Artifact{
		Name:        name,
		ContentType: resp.Header.Get("Content-Type"),
		Content:     content,
	}, nil
}
