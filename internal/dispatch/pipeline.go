// Package dispatch turns one inbound chat update into at most one generation
// call and one reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baibot/bai/internal/consts"
	"github.com/baibot/bai/internal/dedup"
	"github.com/baibot/bai/internal/intent"
	"github.com/baibot/bai/internal/llm"
	"github.com/baibot/bai/internal/logger"
	"github.com/baibot/bai/internal/metrics"
)

// Update is the transport-independent view of an inbound message.
type Update struct {
	ChatID      int64
	MessageID   int
	Text        string
	PhotoFileID string // largest photo size, empty when no photo
	Caption     string
	FirstName   string
}

func (u Update) key() dedup.Key {
	return dedup.Key{ChatID: u.ChatID, MessageID: u.MessageID}
}

type Route int

const (
	RouteText Route = iota
	RouteImage
	RouteAnalysis
)

func (r Route) String() string {
	switch r {
	case RouteImage:
		return "image_generation"
	case RouteAnalysis:
		return "image_analysis"
	default:
		return "text_generation"
	}
}

func (r Route) kind() dedup.Kind {
	if r == RouteText {
		return dedup.KindText
	}
	return dedup.KindImage
}

// Request is the routed form of an update. ImageURL is the synthesis URL for
// RouteImage and the resolved photo URL for RouteAnalysis.
type Request struct {
	Route    Route
	Prompt   string
	ImageURL string
}

// Messenger is the chat platform as seen by the pipeline.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) (int, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	FileURL(ctx context.Context, fileID string) (string, error)
}

type Config struct {
	ImageBaseURL string
	BotUsername  string
}

type Pipeline struct {
	messenger Messenger
	generator llm.Generator
	store     dedup.Store
	metrics   *metrics.Collector
	cfg       Config
}

// NewPipeline wires a pipeline. collector may be nil.
func NewPipeline(messenger Messenger, generator llm.Generator, store dedup.Store, collector *metrics.Collector, cfg Config) *Pipeline {
	return &Pipeline{
		messenger: messenger,
		generator: generator,
		store:     store,
		metrics:   collector,
		cfg:       cfg,
	}
}

// Dispatch handles one update. Generation failures are reported to the chat
// and returned; they never panic.
func (p *Pipeline) Dispatch(ctx context.Context, u Update) error {
	fields := map[string]interface{}{
		"dispatch_id": uuid.NewString(),
		"chat_id":     u.ChatID,
		"message_id":  u.MessageID,
	}

	if cmd, ok := parseCommand(u.Text, p.cfg.BotUsername); ok {
		fields["command"] = cmd
		logger.Info("Handling command", fields)
		p.metrics.RecordCommand(cmd)
		return p.handleCommand(ctx, cmd, u)
	}

	if strings.TrimSpace(u.Text) == "" && u.PhotoFileID == "" {
		logger.Debug("Ignoring update without text or photo", fields)
		return nil
	}

	req := p.route(u)
	fields["route"] = req.Route.String()

	key := u.key()
	admitted, err := p.store.Admit(ctx, key, req.Route.kind())
	switch {
	case err != nil:
		fields["error"] = err.Error()
		logger.Error("Dedup store unavailable, dispatching unguarded", fields)
		delete(fields, "error")
	case !admitted:
		p.metrics.RecordDuplicate()
		logger.Info("Skipping duplicate update", fields)
		return nil
	default:
		defer p.release(ctx, key, fields)
	}

	p.metrics.DispatchStarted()
	defer p.metrics.DispatchFinished()

	start := time.Now()
	logger.Info("Dispatching update", fields)

	err = p.invoke(ctx, u, req, fields)

	status := "ok"
	if err != nil {
		status = "failed"
	}
	p.metrics.RecordDispatch(req.Route.String(), status, time.Since(start))
	return err
}

// route classifies the update. A photo always means analysis, whatever the
// caption says.
func (p *Pipeline) route(u Update) Request {
	if u.PhotoFileID != "" {
		prompt := strings.TrimSpace(u.Caption)
		if prompt == "" {
			prompt = consts.DefaultImageInstruction
		}
		return Request{Route: RouteAnalysis, Prompt: prompt}
	}

	text := strings.TrimSpace(u.Text)
	if intent.Classify(text) == intent.ImageGeneration {
		prompt := intent.StripTriggers(text)
		return Request{
			Route:    RouteImage,
			Prompt:   prompt,
			ImageURL: llm.ImageURL(p.cfg.ImageBaseURL, prompt),
		}
	}
	return Request{Route: RouteText, Prompt: text}
}

func (p *Pipeline) release(ctx context.Context, key dedup.Key, fields map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.store.Release(ctx, key); err != nil {
		logger.Error("Failed to release dispatch state", map[string]interface{}{
			"dispatch_id": fields["dispatch_id"],
			"key":         key.String(),
			"error":       err.Error(),
		})
	}
}

func (p *Pipeline) invoke(ctx context.Context, u Update, req Request, fields map[string]interface{}) error {
	switch req.Route {
	case RouteImage:
		return p.generateImage(ctx, u, req, fields)
	case RouteAnalysis:
		return p.analyzeImage(ctx, u, req, fields)
	default:
		return p.generateText(ctx, u, req, fields)
	}
}

func (p *Pipeline) generateText(ctx context.Context, u Update, req Request, fields map[string]interface{}) error {
	notice := p.sendNotice(ctx, u.ChatID, consts.NoticeText, fields)

	reply, err := p.generator.GenerateText(ctx, req.Prompt)
	p.clearNotice(ctx, u.ChatID, notice, fields)
	if err != nil {
		return p.fail(ctx, u.ChatID, consts.ErrTextGeneration, fmt.Errorf("text generation failed: %w", err), fields)
	}

	if strings.TrimSpace(reply) == "" {
		reply = consts.FallbackText
	}
	return p.sendLongText(ctx, u.ChatID, reply)
}

// generateImage relays the synthesis URL as a photo; the image service
// renders it when the platform fetches the URL.
func (p *Pipeline) generateImage(ctx context.Context, u Update, req Request, fields map[string]interface{}) error {
	notice := p.sendNotice(ctx, u.ChatID, consts.NoticeImage, fields)
	p.clearNotice(ctx, u.ChatID, notice, fields)

	caption := truncate(fmt.Sprintf(consts.ImageCaptionTemplate, strings.TrimSpace(u.Text)), consts.MaxCaptionLength)
	if _, err := p.messenger.SendPhoto(ctx, u.ChatID, req.ImageURL, caption); err != nil {
		return p.fail(ctx, u.ChatID, consts.ErrImageGeneration, fmt.Errorf("image generation failed: %w", err), fields)
	}
	return nil
}

func (p *Pipeline) analyzeImage(ctx context.Context, u Update, req Request, fields map[string]interface{}) error {
	notice := p.sendNotice(ctx, u.ChatID, consts.NoticeAnalysis, fields)

	imageURL, err := p.messenger.FileURL(ctx, u.PhotoFileID)
	if err != nil {
		p.clearNotice(ctx, u.ChatID, notice, fields)
		return p.fail(ctx, u.ChatID, consts.ErrImageRetrieval, fmt.Errorf("image retrieval failed: %w", err), fields)
	}
	req.ImageURL = imageURL

	reply, err := p.generator.DescribeImage(ctx, req.ImageURL, req.Prompt)
	p.clearNotice(ctx, u.ChatID, notice, fields)
	if err != nil {
		return p.fail(ctx, u.ChatID, consts.ErrImageAnalysis, fmt.Errorf("image analysis failed: %w", err), fields)
	}

	if strings.TrimSpace(reply) == "" {
		reply = consts.FallbackAnalysis
	}
	return p.sendLongText(ctx, u.ChatID, reply)
}

// sendNotice returns the notice message ID, or 0 when the send failed.
func (p *Pipeline) sendNotice(ctx context.Context, chatID int64, text string, fields map[string]interface{}) int {
	id, err := p.messenger.SendText(ctx, chatID, text)
	if err != nil {
		logger.Warn("Failed to send provisional notice", withError(fields, err))
		return 0
	}
	return id
}

func (p *Pipeline) clearNotice(ctx context.Context, chatID int64, messageID int, fields map[string]interface{}) {
	if messageID == 0 {
		return
	}
	if err := p.messenger.DeleteMessage(ctx, chatID, messageID); err != nil {
		logger.Warn("Failed to delete provisional notice", withError(fields, err))
	}
}

// fail tells the user which operation failed and returns cause, joined with
// any error from sending that message.
func (p *Pipeline) fail(ctx context.Context, chatID int64, message string, cause error, fields map[string]interface{}) error {
	logger.Error("Dispatch failed", withError(fields, cause))

	if _, err := p.messenger.SendText(ctx, chatID, message); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to send error message: %w", err))
	}
	return cause
}

func (p *Pipeline) sendLongText(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, consts.MaxMessageLength) {
		if _, err := p.messenger.SendText(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}
	return nil
}

func withError(fields map[string]interface{}, err error) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
