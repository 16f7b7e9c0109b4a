// Package quarantine sanitizes untrusted tool output with two models. The
// asking model sees only the user's request and a transcript of
// multiple-choice questions; the quarantined model sees the raw output but can
// only answer with an option number. The asking model's summary of the
// transcript replaces the raw output.
package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robertof1lho/archestra-sub000/internal/llm"
	archotel "github.com/robertof1lho/archestra-sub000/internal/otel"
)

var tracer = archotel.Tracer("github.com/robertof1lho/archestra-sub000/internal/quarantine")

// Defaults for Config.
const (
	DefaultMaxRounds    = 5
	DefaultRoundTimeout = 30 * time.Second
)

// ErrUnavailable means a model could not be reached or gave no usable
// summary. The tool output stays untrusted.
var ErrUnavailable = errors.New("quarantine unavailable")

// Config controls a Sanitizer.
type Config struct {
	MaxRounds    int
	RoundTimeout time.Duration
	// Model reads the raw data. Empty means the request's model.
	Model string
	// AskingModel asks questions and summarizes. Empty means the request's model.
	AskingModel string
}

// Answer is one completed round.
type Answer struct {
	Question string
	Options  []string
	Answer   int
}

// Progress is reported after each completed round.
type Progress struct {
	Round    int
	Question string
	Options  []string
	Answer   int
}

// Session is the state of one sanitization. ToolResultData never reaches the
// asking model.
type Session struct {
	ToolResultData string
	Question       string
	Options        []string
	Answers        []Answer
	Round          int
	MaxRounds      int
}

// Request describes one tool output to sanitize.
type Request struct {
	UserRequest string
	ToolName    string
	ToolCallID  string
	Data        any
	// Model is used when Config leaves a model empty.
	Model      string
	OnProgress func(Progress)
}

// Result is a finished sanitization.
type Result struct {
	Summary   string
	Answers   []Answer
	Rounds    int
	Discarded int
}

// Sanitizer runs quarantine sessions against an llm.Client.
type Sanitizer struct {
	client llm.Client
	cfg    Config
}

// New returns a Sanitizer. Zero config values take the package defaults.
func New(client llm.Client, cfg Config) *Sanitizer {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	return &Sanitizer{client: client, cfg: cfg}
}

// Sanitize interrogates the data for at most MaxRounds rounds and returns a
// summary built only from the transcript. A round whose question or answer
// does not parse is discarded: it uses up a round but leaves the transcript
// unchanged. Any model error ends the session with ErrUnavailable.
func (s *Sanitizer) Sanitize(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "quarantine.sanitize",
		trace.WithAttributes(
			archotel.ToolName.String(req.ToolName),
			attribute.Int("quarantine.max_rounds", s.cfg.MaxRounds),
		))
	defer span.End()

	data, err := encodeData(req.Data)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	sess := &Session{ToolResultData: data, MaxRounds: s.cfg.MaxRounds}
	res := &Result{}

	for sess.Round < sess.MaxRounds {
		sess.Round++
		done, err := s.round(ctx, req, sess, res)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if done {
			break
		}
	}
	res.Rounds = sess.Round
	res.Answers = sess.Answers

	summary, err := s.summarize(ctx, req, sess.Answers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.Summary = summary
	span.SetAttributes(
		attribute.Int("quarantine.rounds", res.Rounds),
		attribute.Int("quarantine.answers", len(res.Answers)),
		attribute.Int("quarantine.discarded", res.Discarded),
	)
	return res, nil
}

// round runs one question and answer under the round timeout.
func (s *Sanitizer) round(ctx context.Context, req Request, sess *Session, res *Result) (done bool, err error) {
	ctx, span := tracer.Start(ctx, "quarantine.round",
		trace.WithAttributes(archotel.QuarantineRound.Int(sess.Round)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RoundTimeout)
	defer cancel()

	reply, err := s.complete(ctx, s.askingModel(req), askingSystemPrompt,
		askingUserPrompt(req.UserRequest, req.ToolName, sess.Answers))
	if err != nil {
		return false, fmt.Errorf("%w: asking model: %w", ErrUnavailable, err)
	}
	q, done, err := ParseQuestion(reply)
	if err != nil {
		res.Discarded++
		log.Debug().Str("tool", req.ToolName).Int("round", sess.Round).Err(err).Msg("quarantine_round_discarded")
		return false, nil
	}
	if done {
		return true, nil
	}
	sess.Question, sess.Options = q.Text, q.Options

	reply, err = s.complete(ctx, s.quarantinedModel(req),
		fmt.Sprintf(quarantinedSystemPrompt, sess.ToolResultData), quarantinedUserPrompt(q))
	if err != nil {
		return false, fmt.Errorf("%w: quarantined model: %w", ErrUnavailable, err)
	}
	idx, err := ParseAnswer(reply, len(q.Options))
	if err != nil {
		res.Discarded++
		log.Debug().Str("tool", req.ToolName).Int("round", sess.Round).Err(err).Msg("quarantine_round_discarded")
		return false, nil
	}

	sess.Answers = append(sess.Answers, Answer{Question: q.Text, Options: q.Options, Answer: idx})
	if req.OnProgress != nil {
		req.OnProgress(Progress{Round: sess.Round, Question: q.Text, Options: q.Options, Answer: idx})
	}
	return false, nil
}

func (s *Sanitizer) summarize(ctx context.Context, req Request, answers []Answer) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RoundTimeout)
	defer cancel()

	summary, err := s.complete(ctx, s.askingModel(req), summarySystemPrompt,
		summaryUserPrompt(req.UserRequest, req.ToolName, answers))
	if err != nil {
		return "", fmt.Errorf("%w: summary: %w", ErrUnavailable, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("%w: empty summary", ErrUnavailable)
	}
	return summary, nil
}

func (s *Sanitizer) complete(ctx context.Context, model, system, user string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (s *Sanitizer) askingModel(req Request) string {
	if s.cfg.AskingModel != "" {
		return s.cfg.AskingModel
	}
	return req.Model
}

func (s *Sanitizer) quarantinedModel(req Request) string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return req.Model
}

func encodeData(data any) (string, error) {
	if s, ok := data.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding tool output: %w", err)
	}
	return string(raw), nil
}
